package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/cli"

	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/node"
	"raftcore/internal/raft/state_machine"
)

const benchHelp = `
Usage: raftlog bench [-n 1000] [-clients 8] [-output report.json]

  Starts a node on a temporary log, proposes n key-value commands from a
  number of concurrent clients and prints the commit, flush and apply
  latencies.
`

type benchCommand struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string

	commands      int
	clients       int
	flushInterval time.Duration
	output        string
}

func newBenchCommand(ui cli.Ui) *benchCommand {
	c := &benchCommand{UI: ui}
	c.flags = flag.NewFlagSet("bench", flag.ContinueOnError)
	c.flags.IntVar(&c.commands, "n", 1000, "Number of commands to propose.")
	c.flags.IntVar(&c.clients, "clients", 8, "Number of concurrent clients.")
	c.flags.DurationVar(&c.flushInterval, "flush-interval", node.DefaultConfig().FlushInterval, "How often the log is flushed.")
	c.flags.StringVar(&c.output, "output", "", "Output JSON file for metrics (optional).")
	c.help = usage(benchHelp, c.flags)
	return c
}

func (c *benchCommand) Synopsis() string {
	return "Measures commit latency of a local node"
}

func (c *benchCommand) Help() string {
	return c.help
}

func (c *benchCommand) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if c.commands <= 0 || c.clients <= 0 {
		c.UI.Error("-n and -clients must be positive")
		return 1
	}

	dir, err := os.MkdirTemp("", "raftlog-bench-")
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to create data directory: %v", err))
		return 1
	}
	defer os.RemoveAll(dir)

	cfg := node.DefaultConfig()
	cfg.ID = "bench"
	cfg.DataDir = dir
	cfg.FlushInterval = c.flushInterval
	cfg.CompactInterval = 0

	m := metrics.NewMetrics()
	kv := state_machine.NewMemoryKVStateMachine(cfg.ID)
	n, err := node.Open[state_machine.KeyValueReturn](cfg, kv, node.Options{Metrics: m})
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to start node: %v", err))
		return 1
	}
	// Startup entries are not part of the measurement
	m.Reset()

	c.UI.Output(fmt.Sprintf("Proposing %d commands from %d clients...", c.commands, c.clients))

	var (
		next   atomic.Int64
		failed atomic.Int64
		wg     sync.WaitGroup
	)
	ctx := context.Background()
	for range c.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1)
				if i > int64(c.commands) {
					return
				}
				key := fmt.Sprintf("key-%d", i)
				if _, err := n.Propose(ctx, state_machine.EncodeSet([]byte(key), []byte("value"))); err != nil {
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	code := 0
	if err := n.Shutdown(); err != nil {
		c.UI.Error(fmt.Sprintf("Failed to stop node: %v", err))
		code = 1
	}
	if f := failed.Load(); f > 0 {
		c.UI.Error(fmt.Sprintf("%d proposals failed", f))
		code = 1
	}

	report := m.GetReport(string(cfg.ID))
	report.PrintReport()

	if c.output != "" {
		if err := report.SaveJSON(c.output); err != nil {
			c.UI.Error(fmt.Sprintf("Failed to save report: %v", err))
			return 1
		}
		c.UI.Output(fmt.Sprintf("Report saved to %s", c.output))
	}
	return code
}
