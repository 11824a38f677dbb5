package controllers

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"
	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/database"
	"github.com/bountyforge/bountyforge/internal/pkg/session"
	"github.com/bountyforge/bountyforge/internal/pkg/shortener"
)

// HandleOAuthCallback completes the GitHub flow and logs the user in. The
// numeric GitHub account id is stored on the user; installation webhooks
// resolve their default organization through it.
func HandleOAuthCallback(c *fiber.Ctx) error {
	u, err := gothfiber.CompleteUserAuth(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("OAuth failed: %v", err))
	}

	accountID, err := strconv.ParseInt(u.UserID, 10, 64)
	if err != nil || accountID == 0 {
		return c.Status(fiber.StatusBadRequest).SendString("OAuth failed: provider returned no account id")
	}

	db := database.GetDB()

	var appUser models.User
	res := db.Where("github_account_id = ?", accountID).First(&appUser)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		// Optional email match if provided
		if u.Email != "" {
			_ = db.Where("email = ?", u.Email).First(&appUser).Error
		}
		if appUser.ID == 0 {
			// Create new user; password is a random placeholder, not usable
			// for login.
			placeholder := fmt.Sprintf("oauth_%d", time.Now().UnixNano())
			hash, _ := models.HashPassword(placeholder)
			email := u.Email
			if email == "" {
				email = fmt.Sprintf("github_%s@github.oauth.local", u.UserID)
			}
			appUser = models.User{
				Name:            firstNonEmpty(u.NickName, u.Name, u.Email, "User"),
				Email:           email,
				Password:        hash,
				Status:          models.STATUS_ACTIVE,
				GitHubLogin:     u.NickName,
				GitHubAccountID: accountID,
			}
			if err := db.Create(&appUser).Error; err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(fmt.Sprintf("create user failed: %v", err))
			}
			slug, slugErr := shortener.GenerateSecureSlug(8)
			if slugErr != nil {
				slug = fmt.Sprintf("u%d", appUser.ID)
			}
			org := models.Organization{
				Name:        appUser.Name,
				Slug:        slug,
				OwnerUserID: appUser.ID,
				IsPersonal:  true,
			}
			if err := db.Create(&org).Error; err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(fmt.Sprintf("create organization failed: %v", err))
			}
		} else {
			appUser.GitHubLogin = u.NickName
			appUser.GitHubAccountID = accountID
			if err := db.Save(&appUser).Error; err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString(fmt.Sprintf("link github account failed: %v", err))
			}
		}
	} else if res.Error == nil {
		if appUser.GitHubLogin != u.NickName {
			appUser.GitHubLogin = u.NickName
			_ = db.Save(&appUser).Error
		}
	} else {
		return c.Status(fiber.StatusInternalServerError).SendString(fmt.Sprintf("db error: %v", res.Error))
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("session init failed")
	}
	sess.Set(AUTH_KEY, true)
	sess.Set(USER_ID, appUser.ID)
	sess.Set(USER_NAME, appUser.Name)
	sess.Set(USER_IS_ADMIN, appUser.Role == models.ROLE_ADMIN)
	if err := sess.Save(); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("session save failed")
	}

	_ = db.Model(&appUser).UpdateColumn("last_login_at", time.Now()).Error

	c.Set("HX-Redirect", "/")
	return c.Redirect("/", fiber.StatusSeeOther)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
