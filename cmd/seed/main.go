// Command seed installs the default pricing catalogue into PostgreSQL.
// Existing rules are left untouched, so re-running it is safe.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/seed
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/pricing"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	logger := logging.New("info", "text")
	if err := pricing.Seed(context.Background(), pricing.NewPostgresStore(db), logger); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
}
