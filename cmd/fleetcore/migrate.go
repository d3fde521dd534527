package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentfleet/fleetcore/budget"
	"github.com/agentfleet/fleetcore/checkpoint"
	"github.com/agentfleet/fleetcore/experiment"
	"github.com/agentfleet/fleetcore/gateway"
	"github.com/agentfleet/fleetcore/internal/database"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "up":
		runMigrateUp(args[1:])
	case "status":
		runMigrateStatus(args[1:])
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", args[0])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database schema commands

Usage:
  fleetcore migrate <subcommand> [options]

Subcommands:
  up        Create or update all engine tables
  status    Show which tables exist
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  fleetcore migrate up
  fleetcore migrate up --config /etc/fleetcore/config.yaml
  fleetcore migrate status`)
}

func engineModels() []any {
	models := experiment.Models()
	models = append(models, budget.Models()...)
	models = append(models, checkpoint.Models()...)
	models = append(models, gateway.Models()...)
	return models
}

func openPool(args []string) *database.Pool {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	pool, err := database.Open(cfg.Database, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	return pool
}

func runMigrateUp(args []string) {
	pool := openPool(args)
	defer pool.Close()

	if err := pool.DB().AutoMigrate(engineModels()...); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Schema up to date")
}

func runMigrateStatus(args []string) {
	pool := openPool(args)
	defer pool.Close()

	migrator := pool.DB().Migrator()
	for _, model := range engineModels() {
		mark := "missing"
		if migrator.HasTable(model) {
			mark = "present"
		}
		stmt := &gorm.Statement{DB: pool.DB()}
		if err := stmt.Parse(model); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to inspect model: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  %-28s %s\n", stmt.Schema.Table, mark)
	}
}
