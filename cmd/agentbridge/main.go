// Command agentbridge is the in-sandbox counterpart to the broker's
// server process. It runs the Assistant in streaming-protocol mode and
// proxies turns through the fixed message-file set (internal/bridge), or,
// in write-fifo mode, copies its own stdin verbatim to the incoming FIFO
// for a single submission and exits.
//
// Kept as a small flag-based binary rather than cobra: it ships inside
// the sandbox image itself, where every extra dependency is image
// weight, and it only ever has two modes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentbroker/agentbroker/internal/bridge"
)

func main() {
	writeFIFO := flag.Bool("write-fifo", false, "copy stdin verbatim to the incoming message FIFO and exit")
	flag.Parse()

	if *writeFIFO {
		if err := bridge.RunWriter(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := bridge.DefaultConfig()
	if err := bridge.Run(ctx, cfg); err != nil {
		log.Printf("agentbridge: exiting with error: %v", err)
		os.Exit(1)
	}
}
