package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/controls"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/evidence"
)

func ListControls(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	out, err := controls.List(c.Request.Context(), database.DB, orgID)
	if err != nil {
		failErr(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"framework": controls.Framework, "controls": out})
}

// ListEvidence optionally narrows to one control with ?control=A.8.8.
func ListEvidence(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	out, err := evidence.List(c.Request.Context(), database.DB, orgID, c.Query("control"))
	if err != nil {
		failErr(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": out})
}
