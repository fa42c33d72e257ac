package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/queue"
)

const tenant = "verify"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	lease := flag.Duration("lease", 2*time.Second, "lease taken by claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	q := queue.New(store, queue.Options{})

	switch *mode {
	case "prepare":
		task, err := q.Enqueue(ctx, tenant, queue.EnqueueRequest{
			Payload:        queue.ToolCall{Tool: "lease-crash"},
			IdempotencyKey: "lease-crash",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		task, err := q.ClaimNext(ctx, tenant, "crash-worker", *lease)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		fmt.Printf("CLAIMED_BY=%s\n", task.ClaimedBy)
		// Never acks; the caller kills this process.
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := q.SweepExpiredLeases(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep expired leases: %v\n", err)
			os.Exit(1)
		}
		tasks, err := q.List(ctx, tenant, persistence.TaskFilter{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		for _, task := range tasks {
			fmt.Printf("TASK_STATUS id=%s status=%s claimed_by=%q retry_count=%d\n", task.ID, task.Status, task.ClaimedBy, task.RetryCount)
			if task.Status == persistence.TaskStatusClaimed {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: tasks still claimed after the lease sweep")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
