package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"eventcredits/internal/auth"
	"eventcredits/internal/domain"
	"eventcredits/internal/event"
)

type createEventRequest struct {
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Category    string    `json:"category"`
	Credits     int       `json:"credits"`
	Date        time.Time `json:"date"`
	Venue       string    `json:"venue"`
	RulebookURL *string   `json:"rulebook_url"`
}

// CreateEvent stores a PENDING event owned by the caller.
func (h *Handler) CreateEvent(c *gin.Context) {
	var req createEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	ev, err := h.Events.Create(c.Request.Context(), auth.CallerFrom(c), event.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Credits:     req.Credits,
		Date:        req.Date,
		Venue:       req.Venue,
		RulebookURL: req.RulebookURL,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// ListEvents filters by status, category and ?mine=true. Students only see
// approved and completed events; without a status they get approved ones.
func (h *Handler) ListEvents(c *gin.Context) {
	caller := auth.CallerFrom(c)
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}

	f := event.ListFilter{Category: c.Query("category"), Limit: limit, Offset: offset}
	if raw := c.Query("status"); raw != "" {
		st, err := domain.ParseEventStatus(raw)
		if err != nil {
			h.writeError(c, err)
			return
		}
		f.Status = st
	}
	if caller.Role == domain.RoleStudent && f.Status != domain.EventCompleted {
		f.Status = domain.EventApproved
	}
	if c.Query("mine") == "true" && caller.Role != domain.RoleStudent {
		f.CreatedBy = caller.ID
	}

	events, err := h.Events.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetEvent returns one event. Students cannot see pending or rejected events.
func (h *Handler) GetEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ev, err := h.Events.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if auth.CallerFrom(c).Role == domain.RoleStudent &&
		ev.Status != domain.EventApproved && ev.Status != domain.EventCompleted {
		h.writeError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// SetEventStatus applies {"status": "..."} to the event.
func (h *Handler) SetEventStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	st, err := domain.ParseEventStatus(req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ev, err := h.Events.SetStatus(c.Request.Context(), auth.CallerFrom(c), id, st)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// Register signs the calling student up. The body may carry
// {"accepted_rules": true}.
func (h *Handler) Register(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		AcceptedRules bool `json:"accepted_rules"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	reg, err := h.Registrations.Register(c.Request.Context(), auth.CallerFrom(c), id, req.AcceptedRules)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

func (h *Handler) CancelRegistration(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	reg, err := h.Registrations.Cancel(c.Request.Context(), auth.CallerFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func (h *Handler) ListRegistrations(c *gin.Context) {
	h.eventList(c, "registrations", func(c *gin.Context, id uuid.UUID) (any, error) {
		return h.Registrations.ListForEvent(c.Request.Context(), auth.CallerFrom(c), id)
	})
}

func (h *Handler) ListAttendance(c *gin.Context) {
	h.eventList(c, "attendance", func(c *gin.Context, id uuid.UUID) (any, error) {
		return h.Attendance.EventAttendance(c.Request.Context(), auth.CallerFrom(c), id)
	})
}

func (h *Handler) eventList(c *gin.Context, key string, load func(*gin.Context, uuid.UUID) (any, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rows, err := load(c, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": id, key: rows})
}

func (h *Handler) MyRegistrations(c *gin.Context) {
	regs, err := h.Registrations.ListForStudent(c.Request.Context(), auth.CallerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registrations": regs})
}
