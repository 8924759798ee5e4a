// Package cloudinary uploads avatars and rulebooks through the Cloudinary
// REST upload API.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultBaseURL is the public upload endpoint.
const DefaultBaseURL = "https://api.cloudinary.com/v1_1"

// ResourceType selects the Cloudinary upload pipeline.
type ResourceType string

const (
	ResourceImage ResourceType = "image"
	ResourceRaw   ResourceType = "raw"
)

// ErrDisabled is returned by a nil client.
var ErrDisabled = errors.New("cloudinary: not configured")

// Client signs and posts uploads.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client
	Now       func() time.Time
}

// New creates a client against DefaultBaseURL.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   DefaultBaseURL,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Now:       time.Now,
	}
}

// UploadResult is the subset of the upload response we store.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
}

// Upload sends data as filename into the given subfolder.
func (c *Client) Upload(ctx context.Context, kind ResourceType, subfolder, filename string, data []byte) (UploadResult, error) {
	if c == nil {
		return UploadResult{}, ErrDisabled
	}
	if len(data) == 0 {
		return UploadResult{}, errors.New("cloudinary: empty file")
	}

	params := map[string]string{
		"timestamp": strconv.FormatInt(c.Now().Unix(), 10),
	}
	if folder := joinFolder(c.Folder, subfolder); folder != "" {
		params["folder"] = folder
	}
	params["signature"] = Sign(params, c.APISecret)
	params["api_key"] = c.APIKey

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, params[k]); err != nil {
			return UploadResult{}, fmt.Errorf("cloudinary: write field: %w", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: close form: %w", err)
	}

	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	url := fmt.Sprintf("%s/%s/%s/upload", strings.TrimRight(base, "/"), c.CloudName, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return UploadResult{}, fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out UploadResult
	if err := json.Unmarshal(body, &out); err != nil {
		return UploadResult{}, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	if out.SecureURL == "" {
		return UploadResult{}, errors.New("cloudinary: response without secure_url")
	}
	return out, nil
}

// Sign computes the upload signature: sorted non-empty key=value pairs joined
// by '&', followed by the secret, hashed with SHA-1. api_key, file and
// resource_type never take part.
func Sign(params map[string]string, secret string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		switch k {
		case "api_key", "file", "resource_type":
			continue
		}
		if v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func joinFolder(root, sub string) string {
	switch {
	case root == "":
		return sub
	case sub == "":
		return root
	default:
		return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(sub, "/")
	}
}
