package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/billing"
	"github.com/bountyforge/bountyforge/internal/pkg/database"
	"github.com/bountyforge/bountyforge/internal/pkg/entitlements"
	"github.com/bountyforge/bountyforge/internal/pkg/env"
	"github.com/bountyforge/bountyforge/internal/pkg/usercontext"
)

const billingTimeout = 20 * time.Second

func publicURL(path string) string {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	if base == "" {
		base = "http://localhost:" + env.GetEnv("APP_PORT", "4000")
	}
	return base + path
}

// priceIDForPlan maps a plan tier to the provider price configured in the
// environment.
func priceIDForPlan(plan entitlements.Plan) string {
	switch plan {
	case entitlements.PlanPro:
		return env.GetEnv("STRIPE_PRICE_PRO", "")
	case entitlements.PlanTeam:
		return env.GetEnv("STRIPE_PRICE_TEAM", "")
	}
	return ""
}

// HandleBillingCheckout starts a subscription checkout for the requested plan
// and redirects the user to the provider-hosted payment page.
func HandleBillingCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	plan := entitlements.Normalize(c.FormValue("plan"))
	priceID := priceIDForPlan(plan)
	if priceID == "" {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Unknown plan"}).Redirect("/pricing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), billingTimeout)
	defer cancel()

	url, err := billingService().StartSubscriptionCheckout(
		ctx,
		userCtx.UserID,
		priceID,
		publicURL("/billing/success"),
		publicURL("/pricing"),
	)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerPending) {
			return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Your billing account is being prepared, we will email you a checkout link shortly"}).Redirect("/pricing")
		}
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Could not start checkout"}).Redirect("/pricing")
	}
	return c.Redirect(url, fiber.StatusSeeOther)
}

// HandleBillingPortal sends the user to the provider's self-service portal.
func HandleBillingPortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	ctx, cancel := context.WithTimeout(context.Background(), billingTimeout)
	defer cancel()

	url, err := billingService().OpenBillingPortal(ctx, userCtx.UserID, publicURL("/settings/billing"))
	if err != nil {
		if errors.Is(err, billing.ErrCustomerPending) {
			return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Your billing account is being prepared, we will email you a portal link shortly"}).Redirect("/settings/billing")
		}
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Could not open the billing portal"}).Redirect("/settings/billing")
	}
	return c.Redirect(url, fiber.StatusSeeOther)
}

// HandleBillingStatus returns the caller's membership state as JSON.
func HandleBillingStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var m models.Membership
	err := database.GetDB().Where("user_id = ?", userCtx.UserID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{
				"plan":     string(entitlements.PlanFree),
				"status":   models.MembershipStatusNone,
				"entitled": false,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "membership_lookup_failed"})
	}

	resp := fiber.Map{
		"plan":                    string(entitlements.EffectivePlan(&m)),
		"status":                  m.Status,
		"entitled":                m.IsEntitled(),
		"failed_payment_attempts": m.FailedPaymentAttempts,
	}
	if m.CurrentPeriodEnd != nil {
		resp["current_period_end"] = m.CurrentPeriodEnd.UTC().Format(time.RFC3339)
		resp["period_end_approximated"] = m.PeriodEndApproximated
	}
	return c.JSON(resp)
}
