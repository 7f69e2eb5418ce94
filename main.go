package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"votecast/adapters/api"
	"votecast/adapters/file"
	"votecast/adapters/postgres"
	"votecast/app"
	"votecast/domain/election"
	"votecast/internal"
	"votecast/internal/config"
)

func main() {
	serve := flag.Bool("serve", false, "run the estimate HTTP API instead of a one-shot run")
	returnsPath := flag.String("returns", "", "returns snapshot file (.xlsx or .csv); overrides RETURNS_FILE")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	logger := internal.NewDefaultLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("baseline store error: %v", err)
	}
	defer db.Close()

	estimator := app.NewEstimatorService(postgres.NewBaselineRepository(db), logger)

	if *serve {
		server := api.NewServer(estimator, logger)
		if err := server.Listen(cfg.Server.Port); err != nil {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	path := *returnsPath
	if path == "" {
		path = cfg.Data.ReturnsFile
	}
	if path == "" {
		log.Fatal("no returns snapshot: pass -returns or set RETURNS_FILE")
	}

	returns, err := file.NewReturnsReader(path, logger).FetchReturns(ctx)
	if err != nil {
		log.Fatalf("returns snapshot error: %v", err)
	}

	settings := election.ModelSettings{
		FixedEffects: cfg.Model.FixedEffects,
		Robust:       cfg.Model.Robust,
		Seed:         cfg.Model.Seed,
	}
	result, err := estimator.Estimate(ctx, returns, settings, cfg.Model.ConfidenceLevels)
	if err != nil {
		log.Fatalf("estimation error: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("output error: %v", err)
	}
}
