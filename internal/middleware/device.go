package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const DeviceKey = "Device"

// DeviceAuth authenticates a device agent by the X-Device-ID header and the
// per-device bearer credential issued at enrollment.
func DeviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.GetHeader("X-Device-ID"), 10, 64)
		token, hasToken := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if err != nil || id == 0 || !hasToken || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device credentials required"})
			return
		}

		var dev models.Device
		if err := database.DB.WithContext(c.Request.Context()).First(&dev, id).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown device or bad credential"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(dev.TokenHash), []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown device or bad credential"})
			return
		}

		c.Set(DeviceKey, dev)
		c.Next()
	}
}

func CurrentDevice(c *gin.Context) (models.Device, bool) {
	v, ok := c.Get(DeviceKey)
	if !ok {
		return models.Device{}, false
	}
	d, ok := v.(models.Device)
	return d, ok
}
