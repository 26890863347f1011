package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "username and password are required")
		return
	}

	var user models.User
	if err := database.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		fail(c, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if !user.Active {
		fail(c, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		fail(c, http.StatusUnauthorized, "invalid username or password")
		return
	}

	sess := sessions.Default(c)
	sess.Set("user_id", user.ID)
	sess.Set("role", string(user.Role))
	if err := sess.Save(); err != nil {
		failErr(c, err, "")
		return
	}

	database.CreateAuditLog(user.OrganizationID, &user.ID, audit.EntityUser, user.ID, "login", "")
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username, "role": user.Role})
}

func Logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	_ = sess.Save()
	c.Status(http.StatusNoContent)
}

type createUserRequest struct {
	Username       string `json:"username" binding:"required,min=3,max=50"`
	Password       string `json:"password" binding:"required,min=8"`
	Role           string `json:"role" binding:"required"`
	OrganizationID uint   `json:"organization_id"`
}

// CreateUser is the admin-only replacement for self registration.
func CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	role := models.UserRole(req.Role)
	switch role {
	case models.RoleAdmin, models.RoleSecurityOfficer, models.RoleEngineer, models.RoleViewer:
	default:
		fail(c, http.StatusBadRequest, "unknown role")
		return
	}
	// organization-bound admins only create users of their own organization
	if actor, _ := middleware.CurrentUser(c); actor.OrganizationID != 0 {
		if req.OrganizationID != 0 && req.OrganizationID != actor.OrganizationID {
			fail(c, http.StatusForbidden, "access denied")
			return
		}
		req.OrganizationID = actor.OrganizationID
	}

	var count int64
	database.DB.Model(&models.User{}).Where("username = ?", req.Username).Count(&count)
	if count > 0 {
		fail(c, http.StatusConflict, "user already exists")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		failErr(c, err, "")
		return
	}
	user := models.User{
		OrganizationID: req.OrganizationID,
		Username:       req.Username,
		PasswordHash:   string(hash),
		Role:           role,
		Active:         true,
	}
	if err := database.DB.Create(&user).Error; err != nil {
		failErr(c, err, "")
		return
	}

	database.CreateAuditLog(user.OrganizationID, middleware.ActorID(c), audit.EntityUser, user.ID, "create", "created user "+user.Username)
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username, "role": user.Role})
}

// DeactivateUser disables sign-in. Deprovisioning checks treat linked
// external logins of deactivated users as stale.
func DeactivateUser(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var user models.User
	if err := database.DB.First(&user, id).Error; err != nil {
		failErr(c, err, "user not found")
		return
	}
	if !middleware.CanAccessOrg(c, user.OrganizationID) {
		fail(c, http.StatusForbidden, "access denied")
		return
	}
	if err := database.DB.Model(&user).Update("active", false).Error; err != nil {
		failErr(c, err, "")
		return
	}
	database.CreateAuditLog(user.OrganizationID, middleware.ActorID(c), audit.EntityUser, user.ID, "deactivate", user.Username)
	c.Status(http.StatusNoContent)
}
