// Package handler exposes the services over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventcredits/internal/attendance"
	"eventcredits/internal/auth"
	"eventcredits/internal/cloudinary"
	"eventcredits/internal/domain"
	"eventcredits/internal/event"
	"eventcredits/internal/leaderboard"
	"eventcredits/internal/registration"
	"eventcredits/internal/user"
)

type accountService interface {
	SignUpStudent(ctx context.Context, in user.SignUpInput) (user.SignUpResult, error)
	VerifyOTP(ctx context.Context, phone, code string) error
	Login(ctx context.Context, email, password string) (user.Session, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	CreateCoordinator(ctx context.Context, caller domain.Caller, in user.CoordinatorInput) (domain.User, error)
	ApproveStudent(ctx context.Context, caller domain.Caller, id uuid.UUID) (domain.User, error)
	ListStudents(ctx context.Context, caller domain.Caller, limit, offset int) ([]domain.User, error)
	ListPendingStudents(ctx context.Context, caller domain.Caller) ([]domain.User, error)
	ListCoordinators(ctx context.Context, caller domain.Caller) ([]domain.User, error)
	Stats(ctx context.Context, caller domain.Caller) (user.Stats, error)
	Profile(ctx context.Context, caller domain.Caller) (domain.User, error)
	SetAvatar(ctx context.Context, caller domain.Caller, url string) (domain.User, error)
	Dashboard(ctx context.Context, caller domain.Caller) (user.Dashboard, error)
}

type eventService interface {
	Create(ctx context.Context, caller domain.Caller, in event.CreateInput) (domain.Event, error)
	SetStatus(ctx context.Context, caller domain.Caller, eventID uuid.UUID, next domain.EventStatus) (domain.Event, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Event, error)
	List(ctx context.Context, f event.ListFilter) ([]domain.Event, error)
	AttachRulebook(ctx context.Context, caller domain.Caller, eventID uuid.UUID, url string) (domain.Event, error)
}

type registrationService interface {
	Register(ctx context.Context, caller domain.Caller, eventID uuid.UUID, acceptedRules bool) (domain.Registration, error)
	Cancel(ctx context.Context, caller domain.Caller, eventID uuid.UUID) (domain.Registration, error)
	ListForStudent(ctx context.Context, caller domain.Caller) ([]registration.EventRegistration, error)
	ListForEvent(ctx context.Context, caller domain.Caller, eventID uuid.UUID) ([]registration.Registrant, error)
}

type attendanceService interface {
	IssueToken(ctx context.Context, caller domain.Caller, eventID uuid.UUID) (attendance.Token, error)
	ScanAndAward(ctx context.Context, caller domain.Caller, payload string) (attendance.Result, error)
	ReconcileCredits(ctx context.Context, caller domain.Caller, studentID uuid.UUID) (attendance.Reconciliation, error)
	CreditHistory(ctx context.Context, studentID uuid.UUID) ([]domain.CreditEntry, error)
	EventAttendance(ctx context.Context, caller domain.Caller, eventID uuid.UUID) ([]attendance.Attendee, error)
}

type rankings interface {
	Top(ctx context.Context, n int) ([]leaderboard.Entry, error)
}

type uploader interface {
	Upload(ctx context.Context, kind cloudinary.ResourceType, subfolder, filename string, data []byte) (cloudinary.UploadResult, error)
}

// Deps are the collaborators of the HTTP layer. Uploads may be nil, in which
// case upload endpoints answer 503.
type Deps struct {
	Accounts      accountService
	Events        eventService
	Registrations registrationService
	Attendance    attendanceService
	Rankings      rankings
	Uploads       uploader
	Tokens        *auth.Issuer
	Checks        map[string]func(context.Context) error
	Log           zerolog.Logger
}

// Handler serves the JSON API.
type Handler struct {
	Deps
}

// New creates a Handler.
func New(d Deps) *Handler {
	d.Log = d.Log.With().Str("component", "http").Logger()
	return &Handler{Deps: d}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")

	pub := api.Group("/auth")
	pub.POST("/signup", h.SignUp)
	pub.POST("/verify-otp", h.VerifyOTP)
	pub.POST("/login", h.Login)
	pub.POST("/refresh", h.Refresh)
	pub.POST("/logout", h.Logout)

	authed := api.Group("", auth.Bearer(h.Tokens))

	admin := authed.Group("/auth", auth.RequireRole(domain.RoleAdmin))
	admin.POST("/coordinators", h.CreateCoordinator)
	admin.GET("/coordinators", h.ListCoordinators)
	admin.GET("/students", h.ListStudents)
	admin.GET("/students/pending", h.ListPendingStudents)
	admin.GET("/stats", h.Stats)
	admin.POST("/students/:id/approve", h.ApproveStudent)

	authed.GET("/users/profile", h.Profile)
	authed.POST("/users/avatar", h.UploadAvatar)

	staff := auth.RequireRole(domain.RoleCoordinator, domain.RoleAdmin)
	student := auth.RequireRole(domain.RoleStudent)

	events := authed.Group("/events")
	events.GET("", h.ListEvents)
	events.GET("/:id", h.GetEvent)
	events.POST("", staff, h.CreateEvent)
	events.POST("/:id/status", staff, h.SetEventStatus)
	events.POST("/:id/rulebook", staff, h.UploadRulebook)
	events.POST("/:id/register", student, h.Register)
	events.DELETE("/:id/register", student, h.CancelRegistration)
	events.GET("/:id/registrations", staff, h.ListRegistrations)
	events.GET("/:id/attendance", staff, h.ListAttendance)
	events.POST("/:id/attendance/token", staff, h.IssueToken)

	authed.POST("/attendance/scan", student, h.Scan)

	st := authed.Group("/student", student)
	st.GET("/dashboard", h.Dashboard)
	st.GET("/credits", h.Credits)
	st.GET("/registrations", h.MyRegistrations)

	authed.POST("/admin/credits/:id/reconcile", auth.RequireRole(domain.RoleAdmin), h.Reconcile)

	authed.GET("/leaderboard", h.Leaderboard)
}

// Healthz runs every dependency check and reports 503 if any fails.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// writeError maps domain errors onto HTTP statuses. Unmapped errors are
// logged and reported as 500 without detail.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Msg("request failed")
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		fields := make(gin.H, len(verr.Errors))
		for _, fe := range verr.Errors {
			fields[fe.Field] = fe.Message
		}
		body["fields"] = fields
	}
	c.AbortWithStatusJSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrAlreadyMarked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrNotRegistered), errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrMalformedToken), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pathID parses the :id route parameter.
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter, falling back to def.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return n, true
}
