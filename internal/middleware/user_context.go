package middleware

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/vinmnit159/isms-backend/internal/database"
	"github.com/vinmnit159/isms-backend/internal/models"
)

// InjectUser loads the session's user into the context. Deactivated users
// are treated as signed out.
func InjectUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)

		if uidRaw := sess.Get("user_id"); uidRaw != nil {
			if uid, ok := uidRaw.(uint); ok && uid > 0 {
				var user models.User
				if err := database.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err == nil && user.Active {
					c.Set(CurrentUserKey, user)
				}
			}
		}

		c.Next()
	}
}

func CurrentUser(c *gin.Context) (models.User, bool) {
	v, ok := c.Get(CurrentUserKey)
	if !ok {
		return models.User{}, false
	}
	u, ok := v.(models.User)
	return u, ok
}

// ActorID is the current user's id, or nil for anonymous requests.
func ActorID(c *gin.Context) *uint {
	u, ok := CurrentUser(c)
	if !ok {
		return nil
	}
	id := u.ID
	return &id
}
