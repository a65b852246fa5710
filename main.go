// ABOUTME: Entry point for the chronosync device agent
// ABOUTME: Parses CLI flags, discovers an engine, and runs the agent loop
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/discovery"
	"github.com/Chronosync-Protocol/chronosync-go/internal/ui"
	"github.com/Chronosync-Protocol/chronosync-go/internal/version"
	"github.com/Chronosync-Protocol/chronosync-go/pkg/protocol"
	"github.com/Chronosync-Protocol/chronosync-go/pkg/timesync"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	engineAddr = flag.String("engine", "", "Manual engine address (skip mDNS)")
	hardwareID = flag.String("hardware-id", "", "Stable hardware identifier (default: hostname)")
	name       = flag.String("name", "", "Device friendly name (default: hostname-agent)")
	class      = flag.String("class", protocol.ClassUSBCamera, "Device class (usb_camera, mobile_capture_unit, wearable_sensor)")
	syncMs     = flag.Int("sync-interval-ms", 1000, "Clock sync interval in milliseconds")
	logFile    = flag.String("log-file", "chronosync-agent.log", "Log file path")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
)

func main() {
	flag.Parse()

	useTUI := !*noTUI

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	agentName := *name
	if agentName == "" {
		agentName = fmt.Sprintf("%s-agent", hostname)
	}
	hwID := *hardwareID
	if hwID == "" {
		hwID = hostname
	}

	if !useTUI {
		log.Printf("Starting Chronosync Agent %s: %s", version.Version, agentName)
	}

	address := *engineAddr
	if address == "" {
		log.Printf("Starting engine discovery...")
		disc := discovery.NewManager(discovery.Config{InstanceName: agentName})
		disc.Browse()

		select {
		case engine := <-disc.Engines():
			address = fmt.Sprintf("%s:%d", engine.Host, engine.Port)
			log.Printf("Discovered engine at %s", address)
		case <-time.After(10 * time.Second):
			log.Fatalf("No engine found after 10 seconds")
		}
		disc.Stop()
	}

	var tuiProg *tea.Program
	if useTUI {
		tuiProg = ui.Run()
	}

	agent := timesync.NewAgent(timesync.AgentConfig{
		EngineAddr:   address,
		HardwareID:   hwID,
		Name:         agentName,
		Class:        *class,
		SyncInterval: time.Duration(*syncMs) * time.Millisecond,
		DeviceInfo: &protocol.DeviceInfo{
			ProductName:     version.Product,
			Manufacturer:    version.Manufacturer,
			SoftwareVersion: version.Version,
		},
		OnAction: func(a timesync.Action) {
			log.Printf("Fired %s at %d (error %dµs)", a.Name, a.FiredAt, a.FiredAt-a.ScheduledAt)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- agent.Run(ctx) }()

	var tuiDone chan struct{}
	if tuiProg != nil {
		tuiDone = make(chan struct{})
		go func() {
			defer close(tuiDone)
			if _, err := tuiProg.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
		}()
		go statusUpdateLoop(ctx, agent, address, tuiProg)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received %v signal, shutting down...", sig)
	case <-tuiDone:
		log.Printf("TUI quit, shutting down...")
	case err := <-runErr:
		if err != nil {
			log.Fatalf("Agent error: %v", err)
		}
		return
	}

	cancel()
	if tuiProg != nil {
		tuiProg.Quit()
	}

	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		log.Printf("Agent did not stop in time")
	}
	log.Printf("Agent stopped")
}

// statusUpdateLoop feeds agent state into the dashboard
func statusUpdateLoop(ctx context.Context, agent *timesync.Agent, engineName string, prog *tea.Program) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := agent.Status()
			prog.Send(ui.StatusMsg{
				Connected:    st.Connected,
				EngineName:   engineName,
				DeviceID:     st.DeviceID,
				OffsetUs:     st.OffsetUs,
				RTTUs:        st.RTTUs,
				Quality:      st.Quality,
				LastAction:   st.LastAction,
				Observations: st.Observations,
			})
		}
	}
}
