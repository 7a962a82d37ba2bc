package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftline/ballast/faststore"
	"github.com/driftline/ballast/tasks"

	"github.com/urfave/cli/v2"
)

var dlqCmd = &cli.Command{
	Name:  "dlq",
	Usage: "sub-commands for the dead letter queue",
	Subcommands: []*cli.Command{
		&cli.Command{
			Name:  "list",
			Usage: "print dead letter records, oldest first",
			Flags: []cli.Flag{
				&cli.Int64Flag{
					Name:  "limit",
					Usage: "max records to print",
					Value: 50,
				},
			},
			Action: runDlqList,
		},
		&cli.Command{
			Name:      "replay",
			Usage:     "re-queue a dead-lettered task with a fresh attempt budget",
			ArgsUsage: `<task-id>`,
			Action:    runDlqReplay,
		},
	},
}

// dlqLedger opens a ledger over the shared fast store. The empty registry
// is fine here: inspection and replay never invoke handlers.
func dlqLedger(cctx *cli.Context) (*tasks.Ledger, error) {
	redisURL := cctx.String("redis-url")
	if redisURL == "" {
		return nil, fmt.Errorf("dlq commands need --redis-url")
	}
	store, err := faststore.NewRedisStore(redisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to fast store: %w", err)
	}
	return tasks.NewLedger(tasks.Options{Store: store, Registry: tasks.NewRegistry()})
}

func runDlqList(cctx *cli.Context) error {
	ctx := context.Background()

	ledger, err := dlqLedger(cctx)
	if err != nil {
		return err
	}

	recs, err := ledger.DeadLetters(ctx, cctx.Int64("limit"))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	return nil
}

func runDlqReplay(cctx *cli.Context) error {
	ctx := context.Background()
	id := cctx.Args().First()
	if id == "" {
		return fmt.Errorf("need to provide task ID as an argument")
	}

	ledger, err := dlqLedger(cctx)
	if err != nil {
		return err
	}

	task, err := ledger.Replay(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("task %s re-queued (type %s)\n", task.ID, task.Type)
	return nil
}
