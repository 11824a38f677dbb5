package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bountyforge/bountyforge/internal/pkg/billing"
	"github.com/bountyforge/bountyforge/internal/pkg/cache"
	"github.com/bountyforge/bountyforge/internal/pkg/database"
	"github.com/bountyforge/bountyforge/internal/pkg/env"
	"github.com/bountyforge/bountyforge/internal/pkg/metrics/counter"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
	"github.com/bountyforge/bountyforge/internal/pkg/router"
)

func main() {
	app := NewApplication()
	startBackgroundJobs()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName: "BountyForge",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}

// startBackgroundJobs runs the periodic maintenance loops: dedup-row
// retention, approximated-period alerting, and counter flushing.
func startBackgroundJobs() {
	retentionDays, err := strconv.Atoi(env.GetEnv("WEBHOOK_EVENT_RETENTION_DAYS", "90"))
	if err != nil || retentionDays <= 0 {
		retentionDays = 90
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour

	svc := billing.NewServiceFromDB(database.GetDB(), payments.NewClientFromEnv())

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			n, err := svc.PruneProcessedEvents(context.Background(), retention)
			if err != nil {
				log.Printf("prune: failed to delete old processed events: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("prune: deleted %d processed events older than %d days", n, retentionDays)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := svc.SweepApproximatedPeriods(context.Background()); err != nil {
				log.Printf("sweep: approximated period check failed: %v", err)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if err := counter.FlushAll(); err != nil {
				log.Printf("counter: flush failed: %v", err)
			}
		}
	}()
}
