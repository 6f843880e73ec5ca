package checkin

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/internal/syncqueue"
	"github.com/rollcall/backend/pkg/response"
)

// GuestLister reads the guest list of an event.
type GuestLister interface {
	GetGuests(ctx context.Context, eventID string) ([]models.Guest, error)
}

// QueueStatuser reports sync queue lanes.
type QueueStatuser interface {
	Status(eventID string) syncqueue.Status
}

// CheckInRequest is the body for POST /events/:id/checkin.
type CheckInRequest struct {
	GuestID     string `json:"guestId" binding:"required"`
	Entrance    string `json:"entrance" binding:"omitempty,max=50"`
	CheckedInBy string `json:"checkedInBy" binding:"omitempty,email"`
}

// UndoRequest is the body for DELETE /events/:id/checkin.
type UndoRequest struct {
	GuestID string `json:"guestId" binding:"required"`
}

// CheckInResponse is returned by a successful check-in.
type CheckInResponse struct {
	Guest       *models.Guest `json:"guest"`
	CheckInTime *time.Time    `json:"checkinTime"`
}

// Handler serves the staff check-in endpoints.
type Handler struct {
	coord  *Coordinator
	guests GuestLister
	queue  QueueStatuser
	logger *zap.Logger
}

// NewHandler creates a check-in handler.
func NewHandler(coord *Coordinator, guests GuestLister, queue QueueStatuser, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coord: coord, guests: guests, queue: queue, logger: logger}
}

// CheckIn handles POST /events/:id/checkin.
func (h *Handler) CheckIn(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	guest, err := h.coord.CheckIn(c.Request.Context(), c.Param("id"), req.GuestID, models.CheckInData{
		Entrance:    req.Entrance,
		CheckedInBy: req.CheckedInBy,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, CheckInResponse{Guest: guest, CheckInTime: guest.CheckInTime})
}

// Undo handles DELETE /events/:id/checkin.
func (h *Handler) Undo(c *gin.Context) {
	var req UndoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	guest, err := h.coord.UndoCheckIn(c.Request.Context(), c.Param("id"), req.GuestID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, guest)
}

// Guests handles GET /events/:id/guests.
func (h *Handler) Guests(c *gin.Context) {
	list, err := h.guests.GetGuests(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("list guests", zap.String("event_id", c.Param("id")), zap.Error(err))
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.Guest{}
	}
	response.OK(c, list)
}

// QueueStatus handles GET /events/:id/queue.
func (h *Handler) QueueStatus(c *gin.Context) {
	response.OK(c, h.queue.Status(c.Param("id")))
}
