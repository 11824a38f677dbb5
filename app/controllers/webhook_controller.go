package controllers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bountyforge/bountyforge/internal/pkg/billing"
	"github.com/bountyforge/bountyforge/internal/pkg/database"
	"github.com/bountyforge/bountyforge/internal/pkg/env"
	"github.com/bountyforge/bountyforge/internal/pkg/events"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
)

const webhookTimeout = 15 * time.Second

func billingService() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB(), payments.NewClientFromEnv())
}

// HandleStripeWebhook receives payment provider events. Signature failures
// answer 400 with no mutation; dispatch failures answer 500 so the provider
// redelivers.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	event, err := events.VerifyStripeEvent(rawBody, signature, secret)
	if err != nil {
		log.Printf("webhook: rejected stripe delivery from %s: %v", GetClientIP(c), err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	normalized := events.NormalizeStripeEvent(event)
	applied, err := billingService().Apply(ctx, normalized)
	if err != nil {
		log.Printf("webhook: stripe event %s failed: %v", event.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}
	if !applied {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}

// HandleGitHubWebhook receives installation lifecycle events from the GitHub
// App.
func HandleGitHubWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("X-Hub-Signature-256")
	secret := env.GetEnv("GITHUB_WEBHOOK_SECRET", "")

	if !events.VerifyGitHubSignature(rawBody, signature, secret) {
		log.Printf("webhook: rejected github delivery from %s", GetClientIP(c))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	eventType := c.Get("X-GitHub-Event")
	deliveryID := c.Get("X-GitHub-Delivery")

	normalized := events.NormalizeGitHubEvent(eventType, deliveryID, rawBody)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	applied, err := billingService().Apply(ctx, normalized)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("webhook: github delivery %s timed out", deliveryID)
		} else {
			log.Printf("webhook: github delivery %s failed: %v", deliveryID, err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}
	if !applied {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}
