//cmd/seeder/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

func main() {
	file := flag.String("file", "seed/campaigns.json", "JSON array of campaigns to insert")
	flag.Parse()

	cfg, err := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Storage.Driver == "memory" {
		log.Fatal().Msg("seeding the memory store has no effect; use postgres or sqlite")
	}

	ctx := context.Background()
	d, err := db.Open(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer d.Close()

	campaigns, err := readCampaigns(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("read seed file")
	}

	repo := repository.NewCampaignRepository(d)
	for _, c := range campaigns {
		if err := repo.Create(ctx, c); err != nil {
			log.Fatal().Err(err).Str("name", c.Name).Msg("failed to seed campaign")
		}
		fmt.Printf("Seeded: %s (%s)\n", c.Name, c.ID)
	}

	fmt.Println("Database seeding completed successfully!")
}

func readCampaigns(path string) ([]*model.Campaign, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var campaigns []*model.Campaign
	if err := json.Unmarshal(content, &campaigns); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return campaigns, nil
}
