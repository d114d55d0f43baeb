package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armon/go-metrics/prometheus"
	"github.com/mitchellh/cli"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/node"
	"raftcore/internal/raft/state_machine"
)

const serveHelp = `
Usage: raftlog serve -config node.yaml

  Runs a single node on top of a durable log. The node serves the gRPC health
  service on grpc_addr, and a key-value API plus Prometheus metrics on
  http_addr:

    PUT    /kv/{key}        stores the request body
    GET    /kv/{key}        reads a key
    DELETE /kv/{key}        removes a key
    POST   /members/{id}    adds a member, ?learner=true adds a learner
    DELETE /members/{id}    removes a server
    GET    /metrics         Prometheus metrics
`

type serveCommand struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string

	configPath string
}

func newServeCommand(ui cli.Ui) *serveCommand {
	c := &serveCommand{UI: ui}
	c.flags = flag.NewFlagSet("serve", flag.ContinueOnError)
	c.flags.StringVar(&c.configPath, "config", "node.yaml", "Path to the node's YAML configuration.")
	c.help = usage(serveHelp, c.flags)
	return c
}

func (c *serveCommand) Synopsis() string {
	return "Runs a node with a key-value state machine"
}

func (c *serveCommand) Help() string {
	return c.help
}

func (c *serveCommand) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := node.LoadConfig(c.configPath)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	sink, err := prometheus.NewPrometheusSink()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to create prometheus sink: %v", err))
		return 1
	}
	gm, err := metrics.NewGoMetrics(cfg.MetricsService, sink)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to configure metrics: %v", err))
		return 1
	}

	broker := pubsub.NewBroker(string(cfg.ID), 64)
	defer broker.Close()
	watchEvents(broker, cfg)

	kv := state_machine.NewMemoryKVStateMachine(cfg.ID)
	n, err := node.Open[state_machine.KeyValueReturn](cfg, kv, node.Options{
		Broker:  broker,
		Metrics: metrics.NewMetricsWithSink(gm),
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to start node: %v", err))
		return 1
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Failed to listen on %s: %v", cfg.GRPCAddr, err))
		_ = n.Shutdown()
		return 1
	}
	go func() {
		if err := n.Serve(lis); err != nil {
			log.Printf("[NODE-%s] gRPC server stopped: %v", cfg.ID, err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newAPI(n, kv).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[NODE-%s] Serving HTTP on %s", cfg.ID, cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[NODE-%s] HTTP server failed: %v", cfg.ID, err)
		}
	}()

	c.UI.Output(fmt.Sprintf("Node %s running (term %d, commit %d)", n.ID(), n.Term(), n.CommitIndex()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	c.UI.Output("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := 0
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		c.UI.Error(fmt.Sprintf("Failed to stop HTTP server: %v", err))
		code = 1
	}
	if err := n.Shutdown(); err != nil {
		c.UI.Error(fmt.Sprintf("Failed to stop node: %v", err))
		code = 1
	}
	return code
}

// watchEvents logs the node's events until the broker closes
func watchEvents(broker *pubsub.Broker, cfg node.Config) {
	configs := pubsub.Subscribe[node.ConfigurationCommittedEvent](broker, node.ConfigurationCommitted, 16, pubsub.Options{})
	durability := pubsub.Subscribe[node.DurabilityChangedEvent](broker, node.DurabilityChanged, 16, pubsub.Options{})

	go func() {
		for ev := range configs.C {
			log.Printf("[NODE-%s] Configuration committed: %s (applied=%d)",
				cfg.ID, ev.Payload.Snapshot.Config, ev.Payload.Snapshot.LastApplied)
		}
	}()
	go func() {
		for ev := range durability.C {
			if ev.Payload.Durable {
				log.Printf("[NODE-%s] Log is durable again", cfg.ID)
				continue
			}
			log.Printf("[NODE-%s] Log is not durable: %v", cfg.ID, ev.Payload.Err)
		}
	}()
}
