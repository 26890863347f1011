package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/engine"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/source"
)

// checkinRequest is the agent payload. Posture flags are pointers so a
// missing flag is rejected rather than read as false.
type checkinRequest struct {
	DiskEncryptionEnabled  *bool  `json:"diskEncryptionEnabled" binding:"required"`
	ScreenLockEnabled      *bool  `json:"screenLockEnabled" binding:"required"`
	FirewallEnabled        *bool  `json:"firewallEnabled" binding:"required"`
	SystemIntegrityEnabled *bool  `json:"systemIntegrityEnabled" binding:"required"`
	AutoUpdateEnabled      *bool  `json:"autoUpdateEnabled" binding:"required"`
	OSVersion              string `json:"osVersion" binding:"max=100"`
	Hostname               string `json:"hostname" binding:"max=255"`
	SerialNumber           string `json:"serialNumber" binding:"max=100"`
	AgentVersion           string `json:"agentVersion" binding:"max=50"`
}

func (r checkinRequest) report() source.DeviceReport {
	return source.DeviceReport{
		DiskEncryptionEnabled:  *r.DiskEncryptionEnabled,
		ScreenLockEnabled:      *r.ScreenLockEnabled,
		FirewallEnabled:        *r.FirewallEnabled,
		SystemIntegrityEnabled: *r.SystemIntegrityEnabled,
		AutoUpdateEnabled:      *r.AutoUpdateEnabled,
		OSVersion:              r.OSVersion,
		Hostname:               r.Hostname,
		SerialNumber:           r.SerialNumber,
		AgentVersion:           r.AgentVersion,
	}
}

// AgentCheckin accepts a posture report from an authenticated device and
// reconciles it synchronously.
func AgentCheckin(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		dev, ok := middleware.CurrentDevice(c)
		if !ok {
			fail(c, http.StatusUnauthorized, "device credentials required")
			return
		}
		var req checkinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "malformed posture report")
			return
		}

		rep, err := eng.RunDevice(c.Request.Context(), dev.ID, req.report())
		if err != nil {
			_ = c.Error(err)
			if rep == nil {
				fail(c, http.StatusInternalServerError, "checkin could not be processed")
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "accepted",
			"run_id":     rep.RunID,
			"compliance": rep.Compliance,
		})
	}
}
