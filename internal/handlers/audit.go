package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/middleware"
)

// ListAuditLogs serves the trail. Organization-bound users only see their
// own organization.
func ListAuditLogs(c *gin.Context) {
	f := audit.Filter{
		Entity: c.Query("entity"),
		RunID:  c.Query("run_id"),
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.ParseUint(c.Query("organization_id"), 10, 64); err == nil {
		f.OrganizationID = uint(v)
	}

	u, _ := middleware.CurrentUser(c)
	if u.OrganizationID != 0 {
		f.OrganizationID = u.OrganizationID
	}

	logs, err := audit.List(c.Request.Context(), database.DB, f)
	if err != nil {
		failErr(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
