package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"gorm.io/gorm"
)

// TriggerScan runs the organization's repository checks and returns the
// report. A failed run still answers with its report.
func TriggerScan(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := paramID(c, "id")
		if !ok {
			return
		}
		rep, err := eng.RunOrganization(c.Request.Context(), orgID, engine.TriggerManual, middleware.ActorID(c))
		switch {
		case errors.Is(err, engine.ErrNotConnected):
			fail(c, http.StatusConflict, err.Error())
			return
		case errors.Is(err, engine.ErrNoClient):
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		case errors.Is(err, gorm.ErrRecordNotFound):
			fail(c, http.StatusNotFound, "organization not found")
			return
		case err != nil && rep == nil:
			failErr(c, err, "")
			return
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, rep)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func ListRuns(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	var runs []models.ScanRun
	if err := database.DB.WithContext(c.Request.Context()).
		Where("organization_id = ?", orgID).
		Order("started_at desc").
		Limit(limit).
		Find(&runs).Error; err != nil {
		failErr(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
