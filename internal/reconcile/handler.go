package reconcile

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/models"
	"github.com/rollcall/backend/pkg/queue"
	"github.com/rollcall/backend/pkg/response"
)

// DeadLetterLister reads dead-letter records.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, eventID string, limit int) ([]models.DeadLetter, error)
}

// ParkedLister reads parked queue jobs.
type ParkedLister interface {
	List(ctx context.Context, n int) ([]queue.ParkedJob, error)
}

// InitialLoadRequest is the body for POST /admin/sync/initial-load.
type InitialLoadRequest struct {
	EventCode string `json:"eventCode" binding:"required,len=6,alphanum"`
}

// Handler serves sync triggers and the dead-letter views.
type Handler struct {
	service *Service
	dead    DeadLetterLister
	parked  ParkedLister
	logger  *zap.Logger
}

// NewHandler creates a reconcile handler. parked may be nil.
func NewHandler(service *Service, dead DeadLetterLister, parked ParkedLister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, dead: dead, parked: parked, logger: logger}
}

// SyncAll handles POST /sync.
func (h *Handler) SyncAll(c *gin.Context) {
	report, err := h.service.SyncAllActiveEvents(c.Request.Context())
	if err != nil {
		h.logger.Error("sync all", zap.Error(err))
		response.Error(c, apperr.Wrap(err, apperr.KindUnavailable, apperr.CodeSyncFailed, "sync failed"))
		return
	}
	response.OK(c, report)
}

// Ready handles GET /sync.
func (h *Handler) Ready(c *gin.Context) {
	response.OK(c, gin.H{"status": "ready"})
}

// SyncEvent handles POST /admin/events/:id/sync.
func (h *Handler) SyncEvent(c *gin.Context) {
	res, err := h.service.SyncEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// InitialLoad handles POST /admin/sync/initial-load.
func (h *Handler) InitialLoad(c *gin.Context) {
	var req InitialLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.service.LoadInitialRoster(c.Request.Context(), strings.ToUpper(req.EventCode))
	if err != nil {
		h.logger.Warn("initial load", zap.String("event_code", req.EventCode), zap.Error(err))
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// DeadLetters handles GET /admin/dead-letters?event_id=&limit=.
func (h *Handler) DeadLetters(c *gin.Context) {
	list, err := h.dead.ListDeadLetters(c.Request.Context(), c.Query("event_id"), queryLimit(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.DeadLetter{}
	}
	response.OK(c, list)
}

// ParkedJobs handles GET /admin/parked-jobs?limit=.
func (h *Handler) ParkedJobs(c *gin.Context) {
	if h.parked == nil {
		response.OK(c, []queue.ParkedJob{})
		return
	}
	list, err := h.parked.List(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.logger.Error("list parked jobs", zap.Error(err))
		response.ServiceUnavailable(c, "parked jobs unavailable")
		return
	}
	response.OK(c, list)
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || n <= 0 || n > 1000 {
		return 100
	}
	return n
}
