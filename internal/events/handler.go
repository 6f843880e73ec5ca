package events

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/middleware"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/pkg/response"
)

// CreateRequest is the body for POST /admin/events.
type CreateRequest struct {
	Name    string                `json:"name" binding:"required,max=200"`
	Date    string                `json:"date" binding:"omitempty,datetime=2006-01-02"`
	SheetID string                `json:"sheetId" binding:"required"`
	Tab     string                `json:"tab"`
	Columns *models.ColumnMapping `json:"columns"`
}

// StatusRequest is the body for PATCH /admin/events/:id/status.
type StatusRequest struct {
	Status models.EventStatus `json:"status" binding:"required,oneof=active inactive archived"`
}

// CodeInfo is the public view of an event returned by a code lookup.
type CodeInfo struct {
	EventID   string `json:"event_id"`
	Name      string `json:"name"`
	Date      string `json:"date,omitempty"`
	EventCode string `json:"event_code"`
}

// Handler serves event administration and the staff code lookup.
type Handler struct {
	service *Service
	codes   *CodeCache
	logger  *zap.Logger
}

// NewHandler creates an events handler.
func NewHandler(service *Service, codes *CodeCache, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, codes: codes, logger: logger}
}

// Create handles POST /admin/events.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.service.Create(c.Request.Context(), CreateInput{
		Name:    req.Name,
		Date:    req.Date,
		SheetID: req.SheetID,
		Tab:     req.Tab,
		Columns: req.Columns,
	}, middleware.UserEmail(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, out)
}

// List handles GET /admin/events.
func (h *Handler) List(c *gin.Context) {
	list, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Event{}
	}
	response.OK(c, list)
}

// SetStatus handles PATCH /admin/events/:id/status.
func (h *Handler) SetStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, out)
}

// Delete handles DELETE /admin/events/:id.
func (h *Handler) Delete(c *gin.Context) {
	n, err := h.service.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"event_id": c.Param("id"), "deleted_guests": n})
}

// ByCode handles GET /codes/:code.
func (h *Handler) ByCode(c *gin.Context) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if len(code) != CodeLength {
		response.BadRequest(c, "event code must be 6 characters")
		return
	}
	e, err := h.codes.ResolveCode(c.Request.Context(), code)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, CodeInfo{EventID: e.EventID, Name: e.Name, Date: e.Date, EventCode: e.EventCode})
}
