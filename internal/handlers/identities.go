package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"gorm.io/gorm"
)

type identityView struct {
	ID            uint   `json:"id"`
	Provider      string `json:"provider"`
	ExternalLogin string `json:"external_login"`
	UserID        uint   `json:"user_id"`
	Username      string `json:"username"`
	Active        bool   `json:"active"`
}

func ListIdentities(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var links []models.IdentityLink
	if err := database.DB.WithContext(c.Request.Context()).Preload("User").
		Where("organization_id = ?", orgID).
		Order("external_login").
		Find(&links).Error; err != nil {
		failErr(c, err, "")
		return
	}
	out := make([]identityView, 0, len(links))
	for _, l := range links {
		out = append(out, identityView{
			ID:            l.ID,
			Provider:      l.Provider,
			ExternalLogin: l.ExternalLogin,
			UserID:        l.UserID,
			Username:      l.User.Username,
			Active:        l.User.Active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"identities": out})
}

type identityRequest struct {
	ExternalLogin string `json:"external_login" binding:"required,max=100"`
	UserID        uint   `json:"user_id" binding:"required"`
}

// LinkIdentity maps a GitHub login onto an internal user of the organization.
// Logins compare case-insensitively, so they are stored lower-cased.
func LinkIdentity(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req identityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	login := strings.ToLower(strings.TrimSpace(req.ExternalLogin))
	if login == "" {
		fail(c, http.StatusBadRequest, "external_login is required")
		return
	}

	var user models.User
	if err := database.DB.First(&user, req.UserID).Error; err != nil || user.OrganizationID != orgID {
		fail(c, http.StatusBadRequest, "user must belong to this organization")
		return
	}

	var existing models.IdentityLink
	err := database.DB.Where("organization_id = ? AND provider = ? AND external_login = ?",
		orgID, models.ProviderGitHub, login).First(&existing).Error
	switch {
	case err == nil:
		fail(c, http.StatusConflict, "login is already linked")
		return
	case !errors.Is(err, gorm.ErrRecordNotFound):
		failErr(c, err, "")
		return
	}

	link := models.IdentityLink{
		OrganizationID: orgID,
		Provider:       models.ProviderGitHub,
		ExternalLogin:  login,
		UserID:         user.ID,
	}
	if err := database.DB.Omit("User").Create(&link).Error; err != nil {
		failErr(c, err, "")
		return
	}

	database.CreateAuditLog(orgID, middleware.ActorID(c), audit.EntityUser, user.ID, "link_identity",
		"linked GitHub login "+login+" to "+user.Username)
	c.JSON(http.StatusCreated, identityView{
		ID:            link.ID,
		Provider:      link.Provider,
		ExternalLogin: link.ExternalLogin,
		UserID:        user.ID,
		Username:      user.Username,
		Active:        user.Active,
	})
}
