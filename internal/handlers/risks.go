package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"github.com/vinmnit159/isms-backend/internal/risks"
)

func ListRisks(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	f := risks.ListFilter{
		Status:    models.RiskStatus(c.Query("status")),
		CheckName: c.Query("check"),
	}
	out, err := risks.List(c.Request.Context(), database.DB, orgID, f)
	if err != nil {
		failErr(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"risks": out})
}

// narrativeRequest lists the only risk fields a person may edit.
// Unknown fields such as status or score are rejected.
type narrativeRequest struct {
	Description *string `json:"description"`
	Treatment   *string `json:"treatment"`
	OwnerID     *uint   `json:"owner_id"`
}

func UpdateRisk(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	var existing models.Risk
	if err := database.DB.First(&existing, id).Error; err != nil {
		failErr(c, err, "risk not found")
		return
	}
	if !middleware.CanAccessOrg(c, existing.OrganizationID) {
		fail(c, http.StatusForbidden, "access denied")
		return
	}

	var req narrativeRequest
	if err := c.ShouldBindWith(&req, strictJSON{}); err != nil {
		fail(c, http.StatusBadRequest, "only description, treatment and owner_id are editable")
		return
	}

	risk, err := risks.UpdateNarrative(c.Request.Context(), database.DB, id, risks.Narrative{
		Description: req.Description,
		Treatment:   req.Treatment,
		OwnerID:     req.OwnerID,
	}, middleware.ActorID(c))
	if err != nil {
		failErr(c, err, "risk not found")
		return
	}
	c.JSON(http.StatusOK, risk)
}
