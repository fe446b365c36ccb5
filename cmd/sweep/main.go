package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/routegate/backend/internal/config"
	"github.com/routegate/backend/internal/database"
	"github.com/routegate/backend/internal/ledger"
	"github.com/routegate/backend/internal/models"
	"github.com/routegate/backend/internal/panel"
	"github.com/routegate/backend/internal/routing"
	"github.com/routegate/backend/internal/services"
)

// One-shot reconciliation sweep, for cron jobs and operator use. Runs a single
// pass and prints the result as JSON.
func main() {
	cfg := config.Load()

	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	registry, err := routing.NewRegistry(cfg.FleetStatePath)
	if err != nil {
		log.Fatalf("Failed to load fleet registry: %v", err)
	}

	gateway := panel.NewClient(panel.Config{
		Host:      cfg.PanelHost,
		Port:      cfg.PanelPort,
		Username:  cfg.PanelUsername,
		Password:  cfg.PanelPassword,
		BasePath:  cfg.PanelBasePath,
		UseSSL:    cfg.PanelUseSSL,
		InboundID: cfg.PanelInboundID,
		Timeout:   cfg.PanelTimeout,
	})

	grantLedger := ledger.New(database.DB, gateway, registry)
	reconciler := services.NewReconciler(grantLedger, gateway, cfg.SweepInterval, cfg.PerGrantTimeout)

	result := reconciler.Sweep(context.Background())

	out, _ := json.MarshalIndent(result, "", "  ")
	os.Stdout.Write(append(out, '\n'))

	if len(result.Failures) > 0 {
		os.Exit(1)
	}
}
