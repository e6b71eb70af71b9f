// Command verify-tables probes every table the service writes to and
// reports which ones the connected Supabase project is missing. Run it
// after applying migrations to a fresh project.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tracktags/tracktags/internal/database"
)

var tables = []string{
	"businesses",
	"customers",
	"plans",
	"plan_limits",
	"metrics",
	"integration_keys",
	"provisioning_queue",
	"billing_events",
	"customer_machines",
	"audit_logs",
	"reconciliation",
}

func main() {
	_ = godotenv.Load()

	db, err := database.NewClientFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ database: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, table := range tables {
		if err := db.CountRows(table); err != nil {
			fmt.Printf("  %-20s ❌ %v\n", table, err)
			failed++
			continue
		}
		fmt.Printf("  %-20s ✅\n", table)
	}

	fmt.Printf("\n%d/%d tables reachable\n", len(tables)-failed, len(tables))
	if failed > 0 {
		os.Exit(1)
	}
}
