// ABOUTME: Probe tool for the UDP time service
// ABOUTME: Runs a burst of time queries and prints offset and round-trip statistics
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/Chronosync-Protocol/chronosync-go/internal/coordinator"
	"github.com/Chronosync-Protocol/chronosync-go/internal/ntp"
)

var (
	addr     = flag.String("addr", "localhost:8931", "Time service address")
	count    = flag.Int("count", 10, "Number of queries")
	interval = flag.Duration("interval", 100*time.Millisecond, "Delay between queries")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	fmt.Printf("=== Time Service Probe ===\n")
	fmt.Printf("Querying %s, %d exchanges\n\n", *addr, *count)

	var offsets, rtts []int64
	for i := 0; i < *count; i++ {
		sample, err := ntp.Query(*addr, 2*time.Second)
		if err != nil {
			log.Printf("Query %d failed: %v", i+1, err)
			continue
		}

		fmt.Printf("#%-3d offset=%+8dµs  rtt=%6dµs\n", i+1, sample.OffsetUs, sample.RoundTripUs)
		offsets = append(offsets, sample.OffsetUs)
		rtts = append(rtts, sample.RoundTripUs)

		time.Sleep(*interval)
	}

	if len(offsets) == 0 {
		log.Fatalf("No queries succeeded")
	}

	off := coordinator.ComputeLatencyStats(offsets)
	rtt := coordinator.ComputeLatencyStats(rtts)

	fmt.Printf("\n%d/%d queries succeeded\n", len(offsets), *count)
	fmt.Printf("offset: mean=%+dµs min=%+dµs max=%+dµs jitter=%dµs\n",
		off.MeanUs, off.MinUs, off.MaxUs, off.JitterUs)
	fmt.Printf("rtt:    mean=%dµs min=%dµs max=%dµs jitter=%dµs\n",
		rtt.MeanUs, rtt.MinUs, rtt.MaxUs, rtt.JitterUs)
}
