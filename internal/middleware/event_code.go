package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/pkg/response"
)

const (
	// HeaderEventCode carries the staff event code.
	HeaderEventCode = "X-Event-Code"
	// ContextEvent is the key for the resolved *models.Event in gin context.
	ContextEvent = "event"
)

// EventResolver looks up the active event for a code.
type EventResolver interface {
	ResolveCode(ctx context.Context, code string) (*models.Event, error)
}

// EventCode admits requests carrying the code of an active event. When the
// route has an :id parameter it must name that same event.
func EventCode(resolver EventResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.ToUpper(strings.TrimSpace(c.GetHeader(HeaderEventCode)))
		if code == "" {
			response.Unauthorized(c, "missing event code")
			return
		}
		event, err := resolver.ResolveCode(c.Request.Context(), code)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				response.Forbidden(c, "invalid or inactive event code")
				return
			}
			response.Error(c, err)
			return
		}
		if id := c.Param("id"); id != "" && id != event.EventID {
			response.Forbidden(c, "event code does not match event")
			return
		}
		c.Set(ContextEvent, event)
		c.Next()
	}
}

// EventFrom returns the event stored by EventCode.
func EventFrom(c *gin.Context) *models.Event {
	v, ok := c.Get(ContextEvent)
	if !ok {
		return nil
	}
	e, _ := v.(*models.Event)
	return e
}
