package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
)

type organizationView struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	GitHubLogin  string `json:"github_login,omitempty"`
	Connected    bool   `json:"connected"`
	Industry     string `json:"industry,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// MaskEmail keeps the first two characters of the local part.
func MaskEmail(email string) string {
	runes := []rune(email)
	atIdx := -1
	for i, r := range runes {
		if r == '@' {
			atIdx = i
			break
		}
	}
	if atIdx <= 0 {
		return "***"
	}
	prefix := string(runes[:atIdx])
	domain := string(runes[atIdx:])
	if len(prefix) <= 2 {
		return prefix + "***" + domain
	}
	return string(runes[0:2]) + "***" + domain
}

func viewOrganization(c *gin.Context, o models.Organization) organizationView {
	v := organizationView{
		ID:           o.ID,
		Name:         o.Name,
		GitHubLogin:  o.GitHubLogin,
		Connected:    o.Connected(),
		Industry:     o.Industry,
		ContactEmail: o.ContactEmail,
		Notes:        o.Notes,
	}
	if u, _ := middleware.CurrentUser(c); u.Role != models.RoleAdmin && v.ContactEmail != "" {
		v.ContactEmail = MaskEmail(v.ContactEmail)
	}
	return v
}

func ListOrganizations(c *gin.Context) {
	u, _ := middleware.CurrentUser(c)

	q := database.DB.WithContext(c.Request.Context()).Order("name")
	if u.OrganizationID != 0 {
		q = q.Where("id = ?", u.OrganizationID)
	}
	var orgs []models.Organization
	if err := q.Find(&orgs).Error; err != nil {
		failErr(c, err, "")
		return
	}

	out := make([]organizationView, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, viewOrganization(c, o))
	}
	c.JSON(http.StatusOK, gin.H{"organizations": out})
}

type organizationRequest struct {
	Name         string `json:"name" binding:"required,max=255"`
	Industry     string `json:"industry" binding:"max=100"`
	ContactEmail string `json:"contact_email" binding:"omitempty,email"`
	Notes        string `json:"notes"`
}

func CreateOrganization(c *gin.Context) {
	var req organizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		fail(c, http.StatusBadRequest, "name is required")
		return
	}

	var count int64
	database.DB.Model(&models.Organization{}).Where("name = ?", req.Name).Count(&count)
	if count > 0 {
		fail(c, http.StatusConflict, "organization with this name already exists")
		return
	}

	org := models.Organization{
		Name:         req.Name,
		Industry:     req.Industry,
		ContactEmail: req.ContactEmail,
		Notes:        req.Notes,
	}
	if err := database.DB.Create(&org).Error; err != nil {
		failErr(c, err, "")
		return
	}

	database.CreateAuditLog(org.ID, middleware.ActorID(c), audit.EntityOrg, org.ID, "create", "created organization "+org.Name)
	c.JSON(http.StatusCreated, viewOrganization(c, org))
}

func GetOrganization(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var org models.Organization
	if err := database.DB.WithContext(c.Request.Context()).First(&org, id).Error; err != nil {
		failErr(c, err, "organization not found")
		return
	}
	c.JSON(http.StatusOK, viewOrganization(c, org))
}

type connectRequest struct {
	Login string `json:"login" binding:"required,max=100"`
}

// ConnectGitHub binds an organization to a GitHub login and starts the first
// run in the background. The response does not wait for the run.
func ConnectGitHub(eng *engine.Engine, bg *engine.Background) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "login is required")
			return
		}
		login := strings.TrimSpace(req.Login)
		if login == "" || strings.ContainsAny(login, "/ ") {
			fail(c, http.StatusBadRequest, "invalid GitHub organization login")
			return
		}

		var org models.Organization
		if err := database.DB.First(&org, id).Error; err != nil {
			failErr(c, err, "organization not found")
			return
		}
		actor := middleware.ActorID(c)
		if err := database.DB.Model(&org).Updates(models.Organization{GitHubLogin: login, ConnectedByID: actor}).Error; err != nil {
			failErr(c, err, "")
			return
		}
		database.CreateAuditLog(org.ID, actor, audit.EntityOrg, org.ID, "connect", "connected GitHub organization "+login)

		started := bg.Go("connection run", func(ctx context.Context) error {
			_, err := eng.RunOrganization(ctx, org.ID, engine.TriggerConnection, actor)
			return err
		})
		c.JSON(http.StatusAccepted, gin.H{"status": "connected", "github_login": login, "run_started": started})
	}
}
