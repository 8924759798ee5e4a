package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"eventcredits/internal/auth"
)

const (
	defaultLeaderboardSize = 10
	maxLeaderboardSize     = 100
)

// IssueToken returns a fresh QR token for the event.
func (h *Handler) IssueToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tok, err := h.Attendance.IssueToken(c.Request.Context(), auth.CallerFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tok)
}

// Scan redeems a QR payload for the calling student.
func (h *Handler) Scan(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token is required")
		return
	}
	res, err := h.Attendance.ScanAndAward(c.Request.Context(), auth.CallerFrom(c), req.Token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Credits returns the caller's total and ledger.
func (h *Handler) Credits(c *gin.Context) {
	caller := auth.CallerFrom(c)
	u, err := h.Accounts.Profile(c.Request.Context(), caller)
	if err != nil {
		h.writeError(c, err)
		return
	}
	history, err := h.Attendance.CreditHistory(c.Request.Context(), caller.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_credits": u.TotalCredits, "history": history})
}

// Reconcile resets a student's total to the ledger sum.
func (h *Handler) Reconcile(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, err := h.Attendance.ReconcileCredits(c.Request.Context(), auth.CallerFrom(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_id": rec.StudentID,
		"stored":     rec.Stored,
		"ledger":     rec.Ledger,
		"drifted":    rec.Drifted(),
	})
}

// Leaderboard returns the top students, ?limit=N up to 100.
func (h *Handler) Leaderboard(c *gin.Context) {
	n, ok := queryInt(c, "limit", defaultLeaderboardSize)
	if !ok {
		return
	}
	if n == 0 {
		n = defaultLeaderboardSize
	}
	n = min(n, maxLeaderboardSize)
	entries, err := h.Rankings.Top(c.Request.Context(), n)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}
