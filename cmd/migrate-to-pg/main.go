package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/shapedtime/cinegate/internal/settings"
)

func main() {
	sqlitePath := flag.String("sqlite-path", "", "Path to SQLite settings database")
	pgURL := flag.String("pg-url", "", "PostgreSQL connection URL")
	overwrite := flag.Bool("overwrite", false, "Replace rows that already exist in PostgreSQL")
	flag.Parse()

	if *sqlitePath == "" || *pgURL == "" {
		fmt.Fprintf(os.Stderr, "Usage: migrate-to-pg --sqlite-path /path/to/cinegate.db --pg-url postgres://...\n")
		os.Exit(1)
	}

	if _, err := os.Stat(*sqlitePath); err != nil {
		log.Fatalf("SQLite database not readable: %v", err)
	}

	// Both sides run migrations on open, so the schemas match.
	src, err := settings.Open(settings.DriverSQLite, *sqlitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer src.Close()
	log.Println("Connected to SQLite")

	dst, err := settings.Open(settings.DriverPostgres, *pgURL)
	if err != nil {
		log.Fatalf("Failed to open PostgreSQL: %v", err)
	}
	defer dst.Close()
	log.Println("Connected to PostgreSQL")

	ctx := context.Background()
	copied, skipped, err := migrate(ctx, settings.NewStore(src), settings.NewStore(dst), *overwrite)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Printf("Migration completed: %d copied, %d skipped", copied, skipped)
}

type integrationStore interface {
	List(ctx context.Context) ([]settings.Integration, error)
	Put(ctx context.Context, in settings.Integration) error
	Seed(ctx context.Context, in settings.Integration) (bool, error)
}

// migrate copies every integration row from src to dst. Without overwrite,
// rows already present in dst are kept and counted as skipped.
func migrate(ctx context.Context, src, dst integrationStore, overwrite bool) (copied, skipped int, err error) {
	rows, err := src.List(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, in := range rows {
		if strings.TrimSpace(in.BaseURL) == "" {
			log.Printf("Skipping %s: no base url", in.Service)
			skipped++
			continue
		}

		if overwrite {
			if err := dst.Put(ctx, in); err != nil {
				return copied, skipped, err
			}
			copied++
			log.Printf("Migrated %s", in.Service)
			continue
		}

		inserted, err := dst.Seed(ctx, in)
		if err != nil {
			return copied, skipped, err
		}
		if inserted {
			copied++
			log.Printf("Migrated %s", in.Service)
		} else {
			skipped++
			log.Printf("Skipping %s: already present", in.Service)
		}
	}
	return copied, skipped, nil
}
