package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mailfold/mtad/internal/config"
	"github.com/mailfold/mtad/internal/logging"
	"github.com/mailfold/mtad/internal/queue"
)

// runQueue inspects and manipulates the persistent queue. Only useful
// with the postgres store; the memory store is per-process.
func runQueue() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	var store queue.Store
	switch cfg.Queue.Store {
	case "postgres":
		ss, err := queue.OpenSQLStore(cfg.Queue.DSN, cfg.Queue.SpoolDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening queue store: %v\n", err)
			os.Exit(1)
		}
		store = ss
	default:
		fmt.Fprintln(os.Stderr, "warning: queue.store is not postgres; inspecting an empty in-process queue")
		store = queue.NewMemoryStore()
	}

	svc := queue.NewService(store, logging.NewLogger(cfg.LogLevel),
		cfg.Queue.Schedule(), cfg.Queue.QueueMaxAge())
	ctx := context.Background()

	args := flag.Args()
	action := "stats"
	if len(args) > 0 {
		action = args[0]
	}

	switch action {
	case "stats":
		stats, err := svc.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading stats: %v\n", err)
			os.Exit(1)
		}
		for _, st := range []queue.Status{queue.StatusActive, queue.StatusDeferred, queue.StatusDelivered, queue.StatusBounce} {
			fmt.Printf("%s\t%d\n", st, stats[st])
		}
	case "list":
		status := queue.StatusDeferred
		if len(args) > 1 {
			status = queue.Status(args[1])
		}
		msgs, err := svc.ListByStatus(ctx, status, 100)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing queue: %v\n", err)
			os.Exit(1)
		}
		for _, m := range msgs {
			fmt.Printf("%s\t%s\t%s\tattempts=%d\trecipients=%d\n",
				m.QueueID, m.Status, m.CreatedAt.Format("2006-01-02 15:04:05"),
				m.Attempts, len(m.Envelope.Recipients))
		}
	case "flush":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: mtad queue flush <queue-id>")
			os.Exit(1)
		}
		if err := svc.Requeue(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error requeuing message: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("requeued %s for immediate delivery\n", args[1])
	case "del":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: mtad queue del <queue-id>")
			os.Exit(1)
		}
		if err := svc.Delete(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting message: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("deleted %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown queue action %q\nusage: mtad queue [stats|list|flush|del]\n", action)
		os.Exit(1)
	}
}
