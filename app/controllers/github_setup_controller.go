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
	"github.com/bountyforge/bountyforge/internal/pkg/ghapp"
	"github.com/bountyforge/bountyforge/internal/pkg/usercontext"
)

// HandleGitHubSetupCallback is the post-install redirect target of the GitHub
// App. Unlike the webhook, it runs in the installing user's session, so its
// organization choice is authoritative and overrides whatever the webhook
// guessed.
func HandleGitHubSetupCallback(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	installationID, err := strconv.ParseInt(c.Query("installation_id"), 10, 64)
	if err != nil || installationID == 0 {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Missing installation id"}).Redirect("/settings/installations")
	}

	db := database.GetDB()

	var user models.User
	if err := db.First(&user, userCtx.UserID).Error; err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "User lookup failed"}).Redirect("/settings/installations")
	}

	org, err := resolveTargetOrganization(db, &user, c.Query("org_id"))
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Organization lookup failed"}).Redirect("/settings/installations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := ghapp.NewServiceFromDB(db)
	if c.Query("setup_action") == "delete" {
		if err := svc.Unbind(ctx, installationID); err != nil {
			return flash.WithError(c, fiber.Map{"type": "error", "message": "Failed to remove installation"}).Redirect("/settings/installations")
		}
		return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "Installation removed"}).Redirect(installationSettingsPath(org))
	}

	_, err = svc.Bind(ctx, ghapp.BindRequest{
		InstallationID:  installationID,
		SourceAccountID: user.GitHubAccountID,
		CandidateOrgID:  org.ID,
		Source:          models.BindingSourceCallback,
	})
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Failed to link installation"}).Redirect("/settings/installations")
	}

	return flash.WithSuccess(c, fiber.Map{"type": "success", "message": "GitHub App installation linked to " + org.Name}).Redirect(installationSettingsPath(org))
}

// installationSettingsPath is the settings page of the organization the
// installation was bound to.
func installationSettingsPath(org *models.Organization) string {
	return "/orgs/" + org.Slug + "/settings/installations"
}

// resolveTargetOrganization picks the organization a setup callback binds to:
// an explicitly chosen org the user owns, or their personal one.
func resolveTargetOrganization(db *gorm.DB, user *models.User, orgIDParam string) (*models.Organization, error) {
	if orgIDParam != "" {
		orgID, err := strconv.ParseUint(orgIDParam, 10, 64)
		if err == nil && orgID > 0 {
			var org models.Organization
			err := db.Where("id = ? AND owner_user_id = ?", orgID, user.ID).First(&org).Error
			if err == nil {
				return &org, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}
	var personal models.Organization
	if err := db.Where("owner_user_id = ? AND is_personal = ?", user.ID, true).First(&personal).Error; err != nil {
		return nil, err
	}
	return &personal, nil
}
