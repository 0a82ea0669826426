package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bustracker/internal/store"
)

func main() {
	var seedPath string
	var schemaOnly bool
	flag.StringVar(&seedPath, "seed", "data/seeds/buses.json", "Path to bus seed JSON")
	flag.BoolVar(&schemaOnly, "schema-only", false, "Create the schema without seeding")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if strings.TrimSpace(databaseURL) == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := store.Open(databaseURL, 2)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := initAndSeed(ctx, db, seedPath, schemaOnly); err != nil {
		log.Fatal(err)
	}
}

func initAndSeed(ctx context.Context, db *sql.DB, seedPath string, schemaOnly bool) error {
	log.Println("Initializing database schema...")
	if err := store.InitSchema(ctx, db); err != nil {
		return err
	}
	log.Println("Schema ready.")
	if schemaOnly {
		return nil
	}

	log.Println("Seeding database...")
	if err := store.SeedFromJSON(ctx, db, seedPath); err != nil {
		return err
	}
	log.Println("Seeding complete.")
	return nil
}
