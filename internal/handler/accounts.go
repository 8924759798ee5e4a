package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"eventcredits/internal/auth"
	"eventcredits/internal/user"
)

type signUpRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	USN        string `json:"usn"`
	Password   string `json:"password"`
	Department string `json:"department"`
	Year       string `json:"year"`
	Semester   string `json:"semester"`
	Phone      string `json:"phone"`
}

// SignUp registers a student pending OTP verification and approval.
func (h *Handler) SignUp(c *gin.Context) {
	var req signUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	res, err := h.Accounts.SignUpStudent(c.Request.Context(), user.SignUpInput{
		Name:       req.Name,
		Email:      req.Email,
		USN:        req.USN,
		Password:   req.Password,
		Department: req.Department,
		Year:       req.Year,
		Semester:   req.Semester,
		Phone:      req.Phone,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// VerifyOTP confirms the phone number given at signup.
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req struct {
		Phone string `json:"phone" binding:"required"`
		OTP   string `json:"otp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "phone and otp are required")
		return
	}
	if err := h.Accounts.VerifyOTP(c.Request.Context(), req.Phone, req.OTP); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// Login exchanges credentials for a token pair.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required")
		return
	}
	sess, err := h.Accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":          sess.User,
		"access_token":  sess.Tokens.AccessToken,
		"refresh_token": sess.Tokens.RefreshToken,
		"expires_at":    sess.Tokens.AccessExp.Unix(),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates a refresh token.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "refresh_token is required")
		return
	}
	pair, err := h.Accounts.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenBody(pair))
}

// Logout revokes a refresh token.
func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "refresh_token is required")
		return
	}
	if err := h.Accounts.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func tokenBody(p auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  p.AccessToken,
		"refresh_token": p.RefreshToken,
		"expires_at":    p.AccessExp.Unix(),
	}
}

// CreateCoordinator adds a coordinator account.
func (h *Handler) CreateCoordinator(c *gin.Context) {
	var req struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		Password   string `json:"password"`
		Department string `json:"department"`
		Phone      string `json:"phone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	u, err := h.Accounts.CreateCoordinator(c.Request.Context(), auth.CallerFrom(c), user.CoordinatorInput{
		Name:       req.Name,
		Email:      req.Email,
		Password:   req.Password,
		Department: req.Department,
		Phone:      req.Phone,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) ListCoordinators(c *gin.Context) {
	users, err := h.Accounts.ListCoordinators(c.Request.Context(), auth.CallerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coordinators": users})
}

func (h *Handler) ListStudents(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	users, err := h.Accounts.ListStudents(c.Request.Context(), auth.CallerFrom(c), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": users})
}

func (h *Handler) ListPendingStudents(c *gin.Context) {
	users, err := h.Accounts.ListPendingStudents(c.Request.Context(), auth.CallerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": users})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.Accounts.Stats(c.Request.Context(), auth.CallerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ApproveStudent lets a verified student sign in.
func (h *Handler) ApproveStudent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	u, err := h.Accounts.ApproveStudent(c.Request.Context(), auth.CallerFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) Profile(c *gin.Context) {
	u, err := h.Accounts.Profile(c.Request.Context(), auth.CallerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) Dashboard(c *gin.Context) {
	d, err := h.Accounts.Dashboard(c.Request.Context(), auth.CallerFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
