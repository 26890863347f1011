package server

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vinmnit159/isms-backend/internal/config"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/handlers"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"go.uber.org/zap"
)

// Deps are the long-lived services the routes call into.
type Deps struct {
	Engine     *engine.Engine
	Background *engine.Background
	Log        *zap.Logger
}

func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(deps.Log))

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{Path: "/", MaxAge: 8 * 3600, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("isms_session", store))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// AUTH
	r.POST("/login", handlers.Login)
	r.POST("/logout", handlers.Logout)

	// AGENT
	agent := r.Group("/api/agent", middleware.DeviceAuth())
	agent.POST("/checkin", handlers.AgentCheckin(deps.Engine))

	api := r.Group("/api", middleware.InjectUser(), middleware.RequireAuth())

	editors := middleware.RequireRole(models.RoleAdmin, models.RoleSecurityOfficer)
	operators := middleware.RequireRole(models.RoleAdmin, models.RoleSecurityOfficer, models.RoleEngineer)

	// USERS
	api.POST("/users", middleware.RequireRole(models.RoleAdmin), handlers.CreateUser)
	api.POST("/users/:id/deactivate", middleware.RequireRole(models.RoleAdmin), handlers.DeactivateUser)

	// ORGANIZATIONS
	api.GET("/organizations", handlers.ListOrganizations)
	api.POST("/organizations", middleware.RequireRole(models.RoleAdmin), handlers.CreateOrganization)

	org := api.Group("/organizations/:id", middleware.RequireOrgAccess("id"))
	org.GET("", handlers.GetOrganization)
	org.POST("/github", editors, handlers.ConnectGitHub(deps.Engine, deps.Background))
	org.POST("/scans", operators, handlers.TriggerScan(deps.Engine))
	org.GET("/runs", handlers.ListRuns)

	org.GET("/devices", handlers.ListDevices)
	org.POST("/devices", operators, handlers.EnrollDevice)

	org.GET("/identities", handlers.ListIdentities)
	org.POST("/identities", editors, handlers.LinkIdentity)

	// COMPLIANCE
	org.GET("/risks", handlers.ListRisks)
	org.GET("/evidence", handlers.ListEvidence)
	org.GET("/controls", handlers.ListControls)

	tracked := deps.Engine.Tracking()
	org.GET("/tracked-items", handlers.ListTrackedItems(tracked))
	org.POST("/tracked-items", editors, handlers.CreateTrackedItem(tracked))

	api.PATCH("/risks/:id", editors, handlers.UpdateRisk)
	api.POST("/tracked-items/:id/complete", operators, handlers.CompleteTrackedItem(tracked))
	api.POST("/tracked-items/:id/needs-remediation", editors, handlers.FlagTrackedItem(tracked))

	// AUDIT
	api.GET("/audit",
		middleware.RequireRole(models.RoleAdmin, models.RoleSecurityOfficer, models.RoleViewer),
		handlers.ListAuditLogs,
	)

	return r
}
