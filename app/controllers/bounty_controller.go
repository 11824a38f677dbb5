package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/database"
	"github.com/bountyforge/bountyforge/internal/pkg/entitlements"
	"github.com/bountyforge/bountyforge/internal/pkg/escrow"
	"github.com/bountyforge/bountyforge/internal/pkg/metrics/counter"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
	"github.com/bountyforge/bountyforge/internal/pkg/usercontext"
)

const bountyTimeout = 20 * time.Second

func escrowService() *escrow.Service {
	return escrow.NewServiceFromDB(database.GetDB(), payments.NewClientFromEnv())
}

// HandleBountyCreate creates a bounty and its escrow record. The bounty
// starts unfunded; money only moves through the checkout flow.
func HandleBountyCreate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	amount, err := strconv.ParseInt(c.FormValue("amount_cents"), 10, 64)
	if err != nil || amount <= 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Invalid bounty amount"}).Redirect("/bounties/new")
	}
	currency := c.FormValue("currency", "usd")
	title := c.FormValue("title")
	issueURL := c.FormValue("issue_url")
	if title == "" || issueURL == "" {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Title and issue URL are required"}).Redirect("/bounties/new")
	}

	db := database.GetDB()

	var org models.Organization
	if err := db.Where("owner_user_id = ? AND is_personal = ?", userCtx.UserID, true).First(&org).Error; err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Organization lookup failed"}).Redirect("/bounties/new")
	}

	repositoryID, _ := strconv.ParseInt(c.FormValue("repository_id"), 10, 64)
	bounty := models.Bounty{
		CreatorID:      userCtx.UserID,
		OrganizationID: org.ID,
		Title:          title,
		IssueURL:       issueURL,
		RepositoryID:   repositoryID,
		Status:         models.BountyStatusOpen,
	}
	if err := db.Create(&bounty).Error; err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Could not create bounty"}).Redirect("/bounties/new")
	}

	ctx, cancel := context.WithTimeout(context.Background(), bountyTimeout)
	defer cancel()

	if _, err := escrowService().Open(ctx, bounty.ID, amount, currency); err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Could not open escrow: " + err.Error()}).Redirect("/bounties/new")
	}

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Bounty created"}).Redirect("/bounties/" + strconv.FormatUint(uint64(bounty.ID), 10))
}

// HandleBountyFund starts checkout for a bounty's escrow amount. Plan limits
// on concurrently funded bounties are enforced here, before any provider
// call.
func HandleBountyFund(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	bountyID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || bountyID == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty_not_found"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), bountyTimeout)
	defer cancel()

	svc := escrowService()

	plan, err := billingService().EffectivePlanForUser(ctx, userCtx.UserID)
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Plan lookup failed"}).Redirect("/bounties")
	}
	if limit := entitlements.MaxFundedBounties(plan); limit >= 0 {
		funded, err := svc.FundedCountForUser(ctx, userCtx.UserID)
		if err != nil {
			return flash.WithError(c, fiber.Map{"type": "error", "message": "Funding check failed"}).Redirect("/bounties")
		}
		if funded >= int64(limit) {
			return flash.WithError(c, fiber.Map{"type": "error", "message": "Funded bounty limit reached for your plan"}).Redirect("/pricing")
		}
	}

	// Customer attachment is best effort. Checkout works for guests; the
	// customer just links the payment to the user's billing history.
	customerID, _ := billingService().EnsureCustomer(ctx, userCtx.UserID)

	bountyPath := "/bounties/" + strconv.FormatUint(bountyID, 10)
	url, err := svc.Fund(ctx, uint(bountyID), userCtx.UserID, customerID, publicURL(bountyPath+"?funded=1"), publicURL(bountyPath))
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidState) {
			return flash.WithError(c, fiber.Map{"type": "error", "message": "This bounty cannot be funded in its current state"}).Redirect(bountyPath)
		}
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Could not start funding checkout"}).Redirect(bountyPath)
	}

	if entitlements.UsageMeteringEnabled(plan) {
		// Metering must never block a funding flow.
		_ = billingService().TrackUsage(ctx, userCtx.UserID, "bounty_funding_started", 1)
	}

	return c.Redirect(url, fiber.StatusSeeOther)
}

// HandleBountyTransfer pays the escrowed net amount out to the claimant.
func HandleBountyTransfer(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	bountyID, payee, bountyPath, err := transferRequest(c)
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": err.Error()}).Redirect("/bounties")
	}

	ctx, cancel := context.WithTimeout(context.Background(), bountyTimeout)
	defer cancel()

	if err := escrowService().Transfer(ctx, bountyID, payee); err != nil {
		switch {
		case errors.Is(err, escrow.ErrNoPayoutAccount):
			return flash.WithError(c, fiber.Map{"type": "error", "message": "The claimant has no payout account connected"}).Redirect(bountyPath)
		case errors.Is(err, escrow.ErrInvalidState):
			return flash.WithError(c, fiber.Map{"type": "error", "message": "This bounty is not in a payable state"}).Redirect(bountyPath)
		default:
			return flash.WithError(c, fiber.Map{"type": "error", "message": "Payout failed"}).Redirect(bountyPath)
		}
	}

	db := database.GetDB()
	db.Model(&models.Bounty{}).Where("id = ?", bountyID).Update("status", models.BountyStatusCompleted)

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Bounty paid out"}).Redirect(bountyPath)
}

func transferRequest(c *fiber.Ctx) (uint, uint, string, error) {
	bountyID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || bountyID == 0 {
		return 0, 0, "", errors.New("bounty not found")
	}
	payee, err := strconv.ParseUint(c.FormValue("payee_user_id"), 10, 64)
	if err != nil || payee == 0 {
		return 0, 0, "", errors.New("missing payee")
	}
	return uint(bountyID), uint(payee), "/bounties/" + strconv.FormatUint(bountyID, 10), nil
}

// HandleBountyRefund returns escrowed funds to the funder and closes the
// bounty.
func HandleBountyRefund(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	bountyID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || bountyID == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty_not_found"})
	}
	bountyPath := "/bounties/" + strconv.FormatUint(bountyID, 10)

	ctx, cancel := context.WithTimeout(context.Background(), bountyTimeout)
	defer cancel()

	if err := escrowService().Refund(ctx, uint(bountyID)); err != nil {
		if errors.Is(err, escrow.ErrInvalidState) {
			return flash.WithError(c, fiber.Map{"type": "error", "message": "This bounty is not refundable in its current state"}).Redirect(bountyPath)
		}
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Refund failed"}).Redirect(bountyPath)
	}

	db := database.GetDB()
	db.Model(&models.Bounty{}).Where("id = ?", bountyID).Update("status", models.BountyStatusClosed)

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Bounty refunded"}).Redirect(bountyPath)
}

// HandleBountyShow returns a bounty with its escrow state as JSON.
func HandleBountyShow(c *fiber.Ctx) error {
	bountyID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || bountyID == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty_not_found"})
	}

	db := database.GetDB()

	var bounty models.Bounty
	if err := db.First(&bounty, bountyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "bounty_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bounty_lookup_failed"})
	}

	_ = counter.AddBountyView(bounty.ID)

	resp := fiber.Map{
		"id":        bounty.ID,
		"uuid":      bounty.UUID,
		"title":     bounty.Title,
		"issue_url": bounty.IssueURL,
		"status":    bounty.Status,
	}

	var payment models.BountyPayment
	if err := db.Where("bounty_id = ?", bounty.ID).First(&payment).Error; err == nil {
		resp["escrow"] = fiber.Map{
			"status":       payment.Status,
			"gross_amount": payment.GrossAmount,
			"platform_fee": payment.PlatformFee,
			"net_amount":   payment.NetAmount,
			"currency":     payment.Currency,
		}
	}

	return c.JSON(resp)
}
