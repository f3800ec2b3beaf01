// verify runs consistency checks against a live database. It is meant
// to be pointed at a system after a load test or an incident to confirm
// the queue invariants held.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

type check struct {
	name  string
	query string
}

var checks = []check{
	{
		"running tasks past their lease deadline",
		`SELECT count(*) FROM tasks WHERE status = 'running' AND lease_deadline < NOW() - INTERVAL '2 minutes'`,
	},
	{
		"tasks over their retry budget without a terminal status",
		`SELECT count(*) FROM tasks WHERE retry_count > max_retries AND status NOT IN ('done', 'failed', 'canceled')`,
	},
	{
		"finished tasks missing completed_at",
		`SELECT count(*) FROM tasks WHERE status IN ('done', 'failed', 'canceled') AND completed_at IS NULL`,
	},
	{
		"open runs on finished tasks",
		`SELECT count(*) FROM runs r JOIN tasks t ON t.id = r.task_id
		 WHERE r.status = 'started' AND t.status IN ('done', 'failed', 'canceled')`,
	},
	{
		"tasks with more than one open run",
		`SELECT count(*) FROM (
		     SELECT task_id FROM runs WHERE status = 'started' GROUP BY task_id HAVING count(*) > 1
		 ) dup`,
	},
	{
		"pending outbox entries older than one hour",
		`SELECT count(*) FROM outbox WHERE status = 'pending' AND created_at < NOW() - INTERVAL '1 hour'`,
	},
	{
		"budget ledgers spent more than 10% past their limit",
		`SELECT count(*) FROM budgets WHERE spent_usd > budget_usd * 1.10`,
	},
}

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	var totalTasks int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM tasks").Scan(&totalTasks); err != nil {
		log.Fatalf("count tasks: %v", err)
	}
	fmt.Printf("Total tasks in DB: %d\n", totalTasks)

	failures := 0
	for _, c := range checks {
		var n int
		if err := pool.QueryRow(ctx, c.query).Scan(&n); err != nil {
			fmt.Printf("[ERROR] %s: %v\n", c.name, err)
			failures++
			continue
		}
		if n > 0 {
			fmt.Printf("[FAIL] %d %s\n", n, c.name)
			failures++
		} else {
			fmt.Printf("[PASS] no %s\n", c.name)
		}
	}

	if failures > 0 {
		os.Exit(1)
	}
}
