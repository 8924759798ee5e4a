package handler

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"eventcredits/internal/auth"
	"eventcredits/internal/cloudinary"
)

const (
	maxAvatarBytes   = 5 << 20
	maxRulebookBytes = 10 << 20
)

// readUpload reads the "file" form field, enforcing limit and checking the
// sniffed content type with accept.
func (h *Handler) readUpload(c *gin.Context, limit int64, accept func(mime, name string) bool) (string, []byte, bool) {
	if h.Uploads == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "file storage not configured"})
		return "", nil, false
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "file field required")
		return "", nil, false
	}
	defer file.Close()

	if header.Size > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return "", nil, false
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		badRequest(c, "read file failed")
		return "", nil, false
	}
	if int64(len(data)) > limit {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return "", nil, false
	}
	if !accept(http.DetectContentType(data), header.Filename) {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
		return "", nil, false
	}
	return filepath.Base(header.Filename), data, true
}

// UploadAvatar stores an image and sets it as the caller's avatar.
func (h *Handler) UploadAvatar(c *gin.Context) {
	name, data, ok := h.readUpload(c, maxAvatarBytes, func(mime, _ string) bool {
		return strings.HasPrefix(mime, "image/")
	})
	if !ok {
		return
	}
	res, err := h.Uploads.Upload(c.Request.Context(), cloudinary.ResourceImage, "avatars", name, data)
	if err != nil {
		h.Log.Error().Err(err).Msg("avatar upload failed")
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
		return
	}
	u, err := h.Accounts.SetAvatar(c.Request.Context(), auth.CallerFrom(c), res.SecureURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// UploadRulebook stores a PDF and links it from the event.
func (h *Handler) UploadRulebook(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// Existence is checked before paying for the upload.
	if _, err := h.Events.Get(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	name, data, ok := h.readUpload(c, maxRulebookBytes, func(mime, name string) bool {
		return mime == "application/pdf" && strings.EqualFold(filepath.Ext(name), ".pdf")
	})
	if !ok {
		return
	}
	res, err := h.Uploads.Upload(c.Request.Context(), cloudinary.ResourceRaw, "rulebooks", name, data)
	if err != nil {
		h.Log.Error().Err(err).Str("event_id", id.String()).Msg("rulebook upload failed")
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
		return
	}
	ev, err := h.Events.AttachRulebook(c.Request.Context(), auth.CallerFrom(c), id, res.SecureURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}
