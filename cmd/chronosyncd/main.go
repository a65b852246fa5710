// ABOUTME: Entry point for the chronosync engine daemon
// ABOUTME: Parses CLI flags, loads config, and runs the synchronizer
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/config"
	"github.com/Chronosync-Protocol/chronosync-go/internal/engine"
	"github.com/Chronosync-Protocol/chronosync-go/internal/quality"
	"github.com/Chronosync-Protocol/chronosync-go/internal/version"
)

var (
	configPath  = flag.String("config", "chronosync.toml", "Config file path")
	controlPort = flag.Int("control-port", 0, "Control endpoint port (overrides config)")
	ntpPort     = flag.Int("ntp-port", 0, "UDP time service port (overrides config)")
	name        = flag.String("name", "", "Engine friendly name (default: hostname-chronosync)")
	logFile     = flag.String("log-file", "chronosyncd.log", "Log file path")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	noMDNS      = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
)

func main() {
	flag.Parse()

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	multiWriter := io.MultiWriter(os.Stdout, f)
	log.SetOutput(multiWriter)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// Flags override the file
	if *controlPort != 0 {
		cfg.Engine.ControlPort = *controlPort
	}
	if *ntpPort != 0 {
		cfg.TimeService.Port = *ntpPort
	}
	if *name != "" {
		cfg.Engine.Name = *name
	}
	if *debug {
		cfg.Engine.Debug = true
	}
	if *noMDNS {
		cfg.Engine.EnableMDNS = false
	}

	if cfg.Engine.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Engine.Name = fmt.Sprintf("%s-chronosync", hostname)
	}

	log.Printf("Starting Chronosync Engine %s: %s", version.Version, cfg.Engine.Name)
	log.Printf("Logging to: %s", *logFile)
	log.Printf("Press Ctrl-C to stop")

	srv, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("Engine error: %v", err)
	}

	srv.SubscribeAlerts(func(a quality.Alert) {
		log.Printf("ALERT [%s]: %s", a.Kind, a.Message)
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("Engine failed to start: %v", err)
	}

	// Periodic fleet summary
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rep := srv.QualityReport(time.Minute)
			log.Printf("Fleet: %d devices, quality %.2f (min %.2f), success %.0f%%",
				len(srv.Devices()), rep.MeanComposite, rep.MinComposite, rep.MeanSuccess*100)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received %v signal, shutting down gracefully...", sig)

	srv.Stop()
	log.Printf("Engine stopped")
}
