package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/crypto/bcrypt"

	"github.com/routegate/backend/internal/config"
	"github.com/routegate/backend/internal/database"
	"github.com/routegate/backend/internal/handlers"
	"github.com/routegate/backend/internal/ledger"
	"github.com/routegate/backend/internal/middleware"
	"github.com/routegate/backend/internal/models"
	"github.com/routegate/backend/internal/panel"
	"github.com/routegate/backend/internal/routing"
	"github.com/routegate/backend/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed admin user if not exists
	seedAdminUser()

	// Load the fleet registry and keep it fresh
	registry, err := routing.NewRegistry(cfg.FleetStatePath)
	if err != nil {
		log.Fatalf("Failed to load fleet registry: %v", err)
	}
	registry.Start(cfg.FleetReloadInterval)

	// Panel gateway (the enforcement point)
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

	// Start the reconciliation sweep
	reconciler := services.NewReconciler(grantLedger, gateway, cfg.SweepInterval, cfg.PerGrantTimeout)
	reconciler.Start()

	// Start the periodic ledger export if configured
	var exporter *services.ExportService
	if cfg.ExportEnabled && cfg.FTPHost != "" {
		exporter = services.NewExportService(database.DB, services.ExportConfig{
			Interval: cfg.ExportInterval,
			Host:     cfg.FTPHost,
			Port:     cfg.FTPPort,
			User:     cfg.FTPUser,
			Password: cfg.FTPPassword,
			Path:     cfg.FTPPath,
		})
		exporter.Start()
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "RouteGate API v1.0",
		ServerHeader: "RouteGate",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "routegate-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	twoFAHandler := handlers.NewTwoFAHandler()
	grantHandler := handlers.NewGrantHandler(grantLedger, reconciler, registry, gateway)

	// API routes
	api := app.Group("/api")

	// Apply rate limiting to API routes (100 requests per minute by default)
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg), middleware.AuditLogger())

	// Auth routes
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Put("/auth/password", authHandler.ChangePassword)

	// 2FA routes
	protected.Get("/auth/2fa/status", twoFAHandler.Status)
	protected.Post("/auth/2fa/setup", twoFAHandler.Setup)
	protected.Post("/auth/2fa/verify", twoFAHandler.Verify)
	protected.Post("/auth/2fa/disable", twoFAHandler.Disable)

	// Country catalog
	protected.Get("/countries", grantHandler.Countries)

	// Grant routes
	grants := protected.Group("/grants")
	grants.Get("/", grantHandler.List)
	grants.Post("/", grantHandler.Issue)
	grants.Get("/:ref", grantHandler.Get)
	grants.Delete("/:ref", grantHandler.Revoke)
	grants.Post("/:ref/revoke", grantHandler.Revoke)
	grants.Post("/:ref/topup", grantHandler.TopUp)
	grants.Post("/:ref/reconcile", grantHandler.Reconcile)

	// Full sweep on demand (admin only)
	protected.Post("/sweep", middleware.AdminOnly(), grantHandler.Sweep)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		reconciler.Stop()
		registry.Stop()
		if exporter != nil {
			exporter.Stop()
		}
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting RouteGate API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&count)

	if count == 0 {
		log.Println("Creating default admin user...")

		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)

		admin := models.User{
			Username: "admin",
			Password: string(hashedPassword),
			Email:    "admin@routegate.local",
			FullName: "System Administrator",
			UserType: models.UserTypeAdmin,
			IsActive: true,
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
		} else {
			log.Println("Admin user created successfully (username: admin, password: admin123)")
		}
	}
}
