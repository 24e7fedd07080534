// queue-tail drains one JetStream-backed queue and prints each message.
// Messages are acked after printing unless --peek is set, in which case they
// become visible again once the visibility timeout lapses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/marketplace-api/project/internal/contracts"
	"github.com/marketplace-api/project/internal/platform/natsutil"
	"github.com/marketplace-api/project/internal/queue"
	"github.com/marketplace-api/project/internal/topology"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var name, natsURL, topologyFile string
	var limit int
	var peek bool

	flagSet := pflag.NewFlagSet("queue-tail", pflag.ContinueOnError)
	flagSet.StringVarP(&name, "queue", "q", "", "queue to drain, e.g. CategoryQueue")
	flagSet.StringVar(&natsURL, "nats-url", "nats://localhost:4222", "NATS server URL")
	flagSet.StringVarP(&topologyFile, "file", "f", "", "topology file declaring the queue (default: embedded topology)")
	flagSet.IntVarP(&limit, "max", "n", 0, "stop after this many messages (0 = run until interrupted)")
	flagSet.BoolVar(&peek, "peek", false, "print without acking")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	topo, err := topology.Load(topologyFile)
	if err != nil {
		return err
	}
	cfg, err := queueConfig(topo, name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Provisioning lets the tail start before the API has created the consumer.
	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second, func(js nats.JetStreamContext) error {
		return queue.EnsureJetStream(js, []queue.Config{cfg})
	})
	if err != nil {
		return err
	}
	defer client.Close()

	q, err := queue.NewJetStream(client.JS, cfg)
	if err != nil {
		return err
	}

	seen := 0
	for limit == 0 || seen < limit {
		batch := 10
		if limit > 0 && limit-seen < batch {
			batch = limit - seen
		}
		recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		deliveries, err := q.Receive(recvCtx, batch)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && err != context.DeadlineExceeded {
			return err
		}
		for _, d := range deliveries {
			printDelivery(os.Stdout, d)
			seen++
			if peek {
				continue
			}
			if err := q.Ack(ctx, d); err != nil {
				fmt.Fprintf(os.Stderr, "ack %s: %v\n", d.ID, err)
			}
		}
	}
	return nil
}

// queueConfig returns the declared settings of name so provisioning keeps the
// consumer's ack wait in line with the deployed visibility timeout.
func queueConfig(topo *topology.Topology, name string) (queue.Config, error) {
	names := make([]string, 0, len(topo.Queues))
	for _, q := range topo.Queues {
		if q.Name == name {
			return q, nil
		}
		names = append(names, q.Name)
	}
	return queue.Config{}, fmt.Errorf("--queue must be one of %v", names)
}

// printDelivery prints an event envelope as its detail-type and detail, and
// anything else as the raw body.
func printDelivery(w io.Writer, d queue.Delivery) {
	fmt.Fprintf(w, "%s attempt=%d id=%s", d.Queue, d.Attempt, d.ID)
	for _, k := range []string{queue.AttrSource, queue.AttrDetailType, queue.AttrHandler} {
		if v, ok := d.Attributes[k]; ok {
			fmt.Fprintf(w, " %s=%s", k, v)
		}
	}
	fmt.Fprintln(w)

	var env contracts.Envelope
	if err := json.Unmarshal(d.Body, &env); err == nil && env.DetailType != "" {
		fmt.Fprintf(w, "  %s\n", env.Detail)
		return
	}
	fmt.Fprintf(w, "  %s\n", d.Body)
}
