package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcredits/internal/attendance"
	"eventcredits/internal/auth"
	"eventcredits/internal/cloudinary"
	"eventcredits/internal/domain"
	"eventcredits/internal/event"
	"eventcredits/internal/leaderboard"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Fakes embed the interface so only the methods a test needs are written.

type fakeAccounts struct {
	accountService
	profile   domain.User
	avatarURL string
}

func (f *fakeAccounts) Profile(_ context.Context, caller domain.Caller) (domain.User, error) {
	u := f.profile
	u.ID = caller.ID
	return u, nil
}

func (f *fakeAccounts) SetAvatar(_ context.Context, caller domain.Caller, url string) (domain.User, error) {
	f.avatarURL = url
	return domain.User{ID: caller.ID, AvatarURL: &url}, nil
}

type fakeEvents struct {
	eventService
	ev       domain.Event
	getErr   error
	filter   event.ListFilter
	rulebook string
}

func (f *fakeEvents) Get(context.Context, uuid.UUID) (domain.Event, error) {
	return f.ev, f.getErr
}

func (f *fakeEvents) List(_ context.Context, fl event.ListFilter) ([]domain.Event, error) {
	f.filter = fl
	return []domain.Event{f.ev}, nil
}

func (f *fakeEvents) Create(_ context.Context, _ domain.Caller, in event.CreateInput) (domain.Event, error) {
	if err := in.Validate(); err != nil {
		return domain.Event{}, err
	}
	return domain.Event{ID: uuid.New(), Title: in.Title, Status: domain.EventPending}, nil
}

func (f *fakeEvents) AttachRulebook(_ context.Context, _ domain.Caller, id uuid.UUID, url string) (domain.Event, error) {
	f.rulebook = url
	ev := f.ev
	ev.RulebookURL = &url
	return ev, nil
}

type fakeRegistrations struct {
	registrationService
	err error
}

func (f *fakeRegistrations) Register(_ context.Context, caller domain.Caller, eventID uuid.UUID, accepted bool) (domain.Registration, error) {
	if f.err != nil {
		return domain.Registration{}, f.err
	}
	return domain.Registration{ID: uuid.New(), EventID: eventID, StudentID: caller.ID, Status: domain.RegistrationActive, AcceptedRules: accepted}, nil
}

type fakeAttendance struct {
	attendanceService
	scanErr error
	payload string
}

func (f *fakeAttendance) ScanAndAward(_ context.Context, _ domain.Caller, payload string) (attendance.Result, error) {
	f.payload = payload
	if f.scanErr != nil {
		return attendance.Result{}, f.scanErr
	}
	return attendance.Result{EventID: uuid.New(), Credits: 10, TotalCredits: 10}, nil
}

func (f *fakeAttendance) CreditHistory(context.Context, uuid.UUID) ([]domain.CreditEntry, error) {
	return []domain.CreditEntry{{EventTitle: "Hackathon"}}, nil
}

func (f *fakeAttendance) ReconcileCredits(_ context.Context, _ domain.Caller, id uuid.UUID) (attendance.Reconciliation, error) {
	return attendance.Reconciliation{StudentID: id, Stored: 12, Ledger: 10}, nil
}

type fakeBoard struct{ n int }

func (f *fakeBoard) Top(_ context.Context, n int) ([]leaderboard.Entry, error) {
	f.n = n
	return []leaderboard.Entry{}, nil
}

type fakeUploads struct {
	kind   cloudinary.ResourceType
	folder string
	err    error
}

func (f *fakeUploads) Upload(_ context.Context, kind cloudinary.ResourceType, sub, name string, _ []byte) (cloudinary.UploadResult, error) {
	f.kind, f.folder = kind, sub
	if f.err != nil {
		return cloudinary.UploadResult{}, f.err
	}
	return cloudinary.UploadResult{SecureURL: "https://cdn.example/" + sub + "/" + name}, nil
}

type env struct {
	router  *gin.Engine
	issuer  *auth.Issuer
	events  *fakeEvents
	regs    *fakeRegistrations
	att     *fakeAttendance
	board   *fakeBoard
	uploads *fakeUploads
	accts   *fakeAccounts
	logs    *bytes.Buffer
}

func newEnv(t *testing.T, withUploads bool) *env {
	t.Helper()
	e := &env{
		issuer: auth.NewIssuer("test", "handler-test-key", 15*time.Minute, time.Hour),
		events: &fakeEvents{ev: domain.Event{ID: uuid.New(), Title: "Hackathon", Status: domain.EventApproved}},
		regs:   &fakeRegistrations{},
		att:    &fakeAttendance{},
		board:  &fakeBoard{},
		accts:  &fakeAccounts{profile: domain.User{Name: "Asha", TotalCredits: 10}},
		logs:   &bytes.Buffer{},
	}
	d := Deps{
		Accounts:      e.accts,
		Events:        e.events,
		Registrations: e.regs,
		Attendance:    e.att,
		Rankings:      e.board,
		Tokens:        e.issuer,
		Checks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return nil },
		},
		Log: zerolog.New(e.logs),
	}
	if withUploads {
		e.uploads = &fakeUploads{}
		d.Uploads = e.uploads
	}
	e.router = gin.New()
	New(d).Routes(e.router)
	return e
}

func (e *env) token(t *testing.T, role domain.Role) string {
	t.Helper()
	pair, err := e.issuer.Issue(uuid.New(), role)
	require.NoError(t, err)
	return pair.AccessToken
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) upload(t *testing.T, path, token, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidState, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrAlreadyMarked, http.StatusConflict},
		{domain.ErrPreconditionFailed, http.StatusPreconditionFailed},
		{domain.ErrNotRegistered, http.StatusForbidden},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrMalformedToken, http.StatusBadRequest},
		{domain.NewValidationError("title", "required"), http.StatusBadRequest},
		{domain.ErrTokenExpired, http.StatusGone},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("scan: %w", domain.ErrAlreadyMarked), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestAuthGuards(t *testing.T) {
	e := newEnv(t, false)

	w := e.do(t, http.MethodGet, "/api/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/api/events", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/events/"+uuid.NewString()+"/attendance/token", e.token(t, domain.RoleStudent), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, "/api/attendance/scan", e.token(t, domain.RoleCoordinator), gin.H{"token": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodGet, "/api/auth/stats", e.token(t, domain.RoleCoordinator), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestScan(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		scanErr  error
		wantCode int
	}{
		{name: "awarded", body: gin.H{"token": "tok"}, wantCode: http.StatusOK},
		{name: "missing token", body: gin.H{}, wantCode: http.StatusBadRequest},
		{name: "malformed", body: gin.H{"token": "tok"}, scanErr: domain.ErrMalformedToken, wantCode: http.StatusBadRequest},
		{name: "expired", body: gin.H{"token": "tok"}, scanErr: fmt.Errorf("attendance token: %w", domain.ErrTokenExpired), wantCode: http.StatusGone},
		{name: "not registered", body: gin.H{"token": "tok"}, scanErr: domain.ErrNotRegistered, wantCode: http.StatusForbidden},
		{name: "already marked", body: gin.H{"token": "tok"}, scanErr: domain.ErrAlreadyMarked, wantCode: http.StatusConflict},
		{name: "event closed", body: gin.H{"token": "tok"}, scanErr: domain.ErrInvalidState, wantCode: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, false)
			e.att.scanErr = tt.scanErr

			w := e.do(t, http.MethodPost, "/api/attendance/scan", e.token(t, domain.RoleStudent), tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "tok", e.att.payload)
				assert.Contains(t, w.Body.String(), `"total_credits":10`)
			} else {
				assert.NotEmpty(t, errorBody(t, w)["error"])
			}
		})
	}
}

func TestRegister(t *testing.T) {
	e := newEnv(t, false)
	tok := e.token(t, domain.RoleStudent)
	path := "/api/events/" + uuid.NewString() + "/register"

	w := e.do(t, http.MethodPost, path, tok, gin.H{"accepted_rules": true})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"accepted_rules":true`)

	w = e.do(t, http.MethodPost, path, tok, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	e.regs.err = fmt.Errorf("register: %w", domain.ErrConflict)
	w = e.do(t, http.MethodPost, path, tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	e.regs.err = domain.ErrPreconditionFailed
	w = e.do(t, http.MethodPost, path, tok, nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = e.do(t, http.MethodPost, "/api/events/not-a-uuid/register", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEvents_StudentSeesApproved(t *testing.T) {
	e := newEnv(t, false)

	w := e.do(t, http.MethodGet, "/api/events?status=pending&limit=5", e.token(t, domain.RoleStudent), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.EventApproved, e.events.filter.Status)
	assert.Equal(t, 5, e.events.filter.Limit)

	w = e.do(t, http.MethodGet, "/api/events?status=pending&mine=true", e.token(t, domain.RoleCoordinator), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.EventPending, e.events.filter.Status)
	assert.NotEqual(t, uuid.Nil, e.events.filter.CreatedBy)

	w = e.do(t, http.MethodGet, "/api/events?status=archived", e.token(t, domain.RoleAdmin), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/events?limit=-1", e.token(t, domain.RoleAdmin), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEvent_HidesPendingFromStudents(t *testing.T) {
	e := newEnv(t, false)
	e.events.ev.Status = domain.EventPending
	path := "/api/events/" + e.events.ev.ID.String()

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, path, e.token(t, domain.RoleStudent), nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, path, e.token(t, domain.RoleCoordinator), nil).Code)
}

func TestCreateEvent_ValidationFields(t *testing.T) {
	e := newEnv(t, false)

	w := e.do(t, http.MethodPost, "/api/events", e.token(t, domain.RoleCoordinator), gin.H{"credits": -1})
	require.Equal(t, http.StatusBadRequest, w.Code)
	fields, ok := errorBody(t, w)["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", fields["title"])
	assert.Equal(t, "must be non-negative", fields["credits"])
}

func TestInternalErrorIsLoggedNotLeaked(t *testing.T) {
	e := newEnv(t, false)
	e.events.getErr = errors.New("pq: connection reset")

	w := e.do(t, http.MethodGet, "/api/events/"+uuid.NewString(), e.token(t, domain.RoleAdmin), nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
	assert.Contains(t, e.logs.String(), "connection reset")
	assert.Contains(t, e.logs.String(), `"route":"/api/events/:id"`)
}

func TestCreditsAndReconcile(t *testing.T) {
	e := newEnv(t, false)

	w := e.do(t, http.MethodGet, "/api/student/credits", e.token(t, domain.RoleStudent), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_credits":10`)
	assert.Contains(t, w.Body.String(), "Hackathon")

	w = e.do(t, http.MethodPost, "/api/admin/credits/"+uuid.NewString()+"/reconcile", e.token(t, domain.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"drifted":true`)
}

func TestLeaderboard_Limit(t *testing.T) {
	e := newEnv(t, false)
	tok := e.token(t, domain.RoleStudent)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/leaderboard", tok, nil).Code)
	assert.Equal(t, 10, e.board.n)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/leaderboard?limit=500", tok, nil).Code)
	assert.Equal(t, 100, e.board.n)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, false)
	w := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h := New(Deps{Checks: map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}})
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "refused")
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploads(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		e := newEnv(t, false)
		w := e.upload(t, "/api/users/avatar", e.token(t, domain.RoleStudent), "me.png", pngHeader)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("avatar", func(t *testing.T) {
		e := newEnv(t, true)
		w := e.upload(t, "/api/users/avatar", e.token(t, domain.RoleStudent), "me.png", pngHeader)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, cloudinary.ResourceImage, e.uploads.kind)
		assert.Equal(t, "https://cdn.example/avatars/me.png", e.accts.avatarURL)

		w = e.upload(t, "/api/users/avatar", e.token(t, domain.RoleStudent), "me.txt", []byte("plain text"))
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("rulebook", func(t *testing.T) {
		e := newEnv(t, true)
		path := "/api/events/" + e.events.ev.ID.String() + "/rulebook"
		tok := e.token(t, domain.RoleCoordinator)

		w := e.upload(t, path, tok, "rules.pdf", []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, cloudinary.ResourceRaw, e.uploads.kind)
		assert.Equal(t, "https://cdn.example/rulebooks/rules.pdf", e.events.rulebook)

		w = e.upload(t, path, tok, "rules.pdf", pngHeader)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

		e.uploads.err = errors.New("cloudinary: upload failed (500)")
		w = e.upload(t, path, tok, "rules.pdf", []byte("%PDF-1.7\n"))
		assert.Equal(t, http.StatusBadGateway, w.Code)

		e.events.getErr = domain.ErrNotFound
		w = e.upload(t, path, tok, "rules.pdf", []byte("%PDF-1.7\n"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		e := newEnv(t, true)
		big := append(append([]byte{}, pngHeader...), strings.Repeat("x", maxAvatarBytes)...)
		w := e.upload(t, "/api/users/avatar", e.token(t, domain.RoleStudent), "big.png", big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}
