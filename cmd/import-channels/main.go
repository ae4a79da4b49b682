// Command import-channels seeds the channels table from a yaml file.
//
// Seed format:
//
//	channels:
//	  - name: Some Channel
//	    url: https://t.me/somechannel
//	    category: News
//	    account_phone: "+1234567890"
//	    active: true
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grabfeed/grabfeed/internal/config"
	"github.com/grabfeed/grabfeed/internal/database"
	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/models"
	"github.com/grabfeed/grabfeed/internal/repository"
	"github.com/grabfeed/grabfeed/internal/telegram"
)

type seedChannel struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Category     string `yaml:"category"`
	AccountPhone string `yaml:"account_phone"`
	Active       *bool  `yaml:"active"`
}

type seedFile struct {
	Channels []seedChannel `yaml:"channels"`
}

func main() {
	path := flag.String("file", "channels.yaml", "path to the yaml seed file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("error: load config: %v\n", err)
		os.Exit(1)
	}
	// console-only logging cannot fail to initialize
	_ = logger.Init("warn", "")

	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Printf("❌ failed to read %s: %v\n", *path, err)
		os.Exit(1)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		fmt.Printf("❌ invalid yaml in %s: %v\n", *path, err)
		os.Exit(1)
	}
	if len(seed.Channels) == 0 {
		fmt.Println("nothing to import")
		return
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Printf("error: connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	accountsRepo := repository.NewAccountsRepository(db.Pool)
	channelsRepo := repository.NewChannelsRepository(db.Pool)
	categoriesRepo := repository.NewCategoriesRepository(db.Pool)

	failed := false
	for _, entry := range seed.Channels {
		if err := importChannel(ctx, entry, accountsRepo, channelsRepo, categoriesRepo); err != nil {
			fmt.Printf("❌ %s: %v\n", entry.URL, err)
			failed = true
			continue
		}
		fmt.Printf("✅ %s\n", entry.URL)
	}

	if failed {
		os.Exit(1)
	}
}

func importChannel(ctx context.Context, entry seedChannel, accounts *repository.AccountsRepository, channels *repository.ChannelsRepository, categories *repository.CategoriesRepository) error {
	if entry.URL == "" {
		return fmt.Errorf("url is required")
	}

	name := entry.Name
	if name == "" {
		name = telegram.NormalizeChannelName(entry.URL)
	}

	channel := models.Channel{
		Name:     name,
		URL:      entry.URL,
		IsActive: entry.Active == nil || *entry.Active,
	}

	if entry.Category != "" {
		category, err := categories.GetOrCreate(ctx, entry.Category)
		if err != nil {
			return fmt.Errorf("resolve category: %w", err)
		}
		channel.CategoryID = &category.ID
	}

	if entry.AccountPhone != "" {
		account, err := accounts.GetByPhone(ctx, entry.AccountPhone)
		if err != nil {
			return fmt.Errorf("look up account: %w", err)
		}
		if account == nil {
			return fmt.Errorf("no account with phone %s", entry.AccountPhone)
		}
		channel.AccountID = &account.ID
	}

	return channels.Upsert(ctx, &channel)
}
