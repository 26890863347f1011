package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vinmnit159/isms-backend/internal/audit"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/middleware"
	"github.com/vinmnit159/isms-backend/internal/models"
	"golang.org/x/crypto/bcrypt"
)

type deviceView struct {
	ID            uint                    `json:"id"`
	Hostname      string                  `json:"hostname"`
	SerialNumber  string                  `json:"serial_number,omitempty"`
	OSVersion     string                  `json:"os_version,omitempty"`
	OwnerID       *uint                   `json:"owner_id,omitempty"`
	Compliance    models.DeviceCompliance `json:"compliance"`
	LastCheckinAt *time.Time              `json:"last_checkin_at,omitempty"`
}

func viewDevice(d models.Device) deviceView {
	return deviceView{
		ID:            d.ID,
		Hostname:      d.Hostname,
		SerialNumber:  d.SerialNumber,
		OSVersion:     d.OSVersion,
		OwnerID:       d.OwnerID,
		Compliance:    d.Compliance,
		LastCheckinAt: d.LastCheckinAt,
	}
}

func ListDevices(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var devices []models.Device
	if err := database.DB.WithContext(c.Request.Context()).
		Where("organization_id = ?", orgID).
		Order("hostname, id").
		Find(&devices).Error; err != nil {
		failErr(c, err, "")
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, viewDevice(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

type enrollRequest struct {
	Hostname     string `json:"hostname" binding:"required,max=255"`
	SerialNumber string `json:"serial_number" binding:"max=100"`
	OwnerID      *uint  `json:"owner_id"`
}

// EnrollDevice registers an endpoint. The agent credential is returned once;
// only its hash is stored.
func EnrollDevice(c *gin.Context) {
	orgID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	var org models.Organization
	if err := database.DB.First(&org, orgID).Error; err != nil {
		failErr(c, err, "organization not found")
		return
	}
	if req.OwnerID != nil {
		var owner models.User
		if err := database.DB.First(&owner, *req.OwnerID).Error; err != nil || owner.OrganizationID != orgID {
			fail(c, http.StatusBadRequest, "owner must be a user of this organization")
			return
		}
	}

	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		failErr(c, err, "")
		return
	}
	dev := models.Device{
		OrganizationID: orgID,
		OwnerID:        req.OwnerID,
		Hostname:       req.Hostname,
		SerialNumber:   req.SerialNumber,
		TokenHash:      string(hash),
		Compliance:     models.DeviceUnknown,
	}
	if err := database.DB.Create(&dev).Error; err != nil {
		failErr(c, err, "")
		return
	}

	database.CreateAuditLog(orgID, middleware.ActorID(c), audit.EntityDevice, dev.ID, "enroll", "enrolled device "+dev.Hostname)
	c.JSON(http.StatusCreated, gin.H{"device": viewDevice(dev), "token": token})
}
