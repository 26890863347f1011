package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/tracking"
)

func ListTrackedItems(svc *tracking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := paramID(c, "id")
		if !ok {
			return
		}
		items, err := svc.List(c.Request.Context(), orgID)
		if err != nil {
			failErr(c, err, "")
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

type trackedItemRequest struct {
	Title       string `json:"title" binding:"required,max=255"`
	Description string `json:"description"`
	ControlRef  string `json:"control_ref" binding:"max=32"`
	DueDate     string `json:"due_date"` // YYYY-MM-DD
	OwnerID     *uint  `json:"owner_id"`
}

func CreateTrackedItem(svc *tracking.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req trackedItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}

		item := models.TrackedItem{
			OrganizationID: orgID,
			Title:          strings.TrimSpace(req.Title),
			Description:    req.Description,
			ControlRef:     req.ControlRef,
			OwnerID:        req.OwnerID,
		}
		if req.DueDate != "" {
			due, err := time.Parse("2006-01-02", req.DueDate)
			if err != nil {
				fail(c, http.StatusBadRequest, "due_date must be YYYY-MM-DD")
				return
			}
			item.DueDate = &due
		}

		created, err := svc.CreateManual(c.Request.Context(), item, middleware.ActorID(c))
		if err != nil {
			failErr(c, err, "")
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// CompleteTrackedItem and FlagTrackedItem change an item of an organization
// the caller can access.
func CompleteTrackedItem(svc *tracking.Service) gin.HandlerFunc {
	return trackedItemAction(svc.Complete)
}

func FlagTrackedItem(svc *tracking.Service) gin.HandlerFunc {
	return trackedItemAction(svc.FlagNeedsRemediation)
}

func trackedItemAction(apply func(ctx context.Context, id uint, actor *uint) (tracking.View, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var item models.TrackedItem
		if err := database.DB.First(&item, id).Error; err != nil {
			failErr(c, err, "tracked item not found")
			return
		}
		if !middleware.CanAccessOrg(c, item.OrganizationID) {
			fail(c, http.StatusForbidden, "access denied")
			return
		}

		view, err := apply(c.Request.Context(), id, middleware.ActorID(c))
		if err != nil {
			failErr(c, err, "tracked item not found")
			return
		}
		c.JSON(http.StatusOK, view)
	}
}
