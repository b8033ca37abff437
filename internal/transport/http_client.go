package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
	"github.com/yorutsuke/yorutsuke/internal/models"
)

// HTTPClient implements Remote and BinaryUploader over the cloud HTTP API.
// Control-plane calls use a short timeout; the binary upload gets a longer
// one so a large receipt on a slow link is not cut off.
type HTTPClient struct {
	control   *http.Client
	upload    *http.Client
	baseURL   string
	userAgent string
	token     string
	logger    *events.Logger
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		control: &http.Client{
			Timeout:   cfg.ControlTimeout,
			Transport: transport,
		},
		upload: &http.Client{
			Timeout:   cfg.UploadTimeout,
			Transport: transport,
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		logger:    logger.WithField("component", "http_client"),
	}
}

// SetToken sets the authentication token.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a session. The returned token is not
// installed on the client; the auth service owns that decision.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (*models.Session, error) {
	var session models.Session
	err := c.postJSON(ctx, "/v1/auth/login", loginRequest{
		Email:    email,
		Password: password,
	}, &session)
	if err != nil {
		return nil, err
	}
	if session.UserID == "" || session.Token == "" {
		return nil, fmt.Errorf("login response missing user or token: %w", models.ErrRequestFailed)
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = time.Now().Add(24 * time.Hour)
	}
	session.Email = email
	return &session, nil
}

type presignRequest struct {
	UserID           string `json:"user_id"`
	FileName         string `json:"file_name"`
	IdempotencyToken string `json:"idempotency_token"`
}

// Presign requests a signed upload destination.
func (c *HTTPClient) Presign(ctx context.Context, userID, fileName, idemToken string) (*PresignResult, error) {
	var result PresignResult
	err := c.postJSON(ctx, "/v1/uploads/presign", presignRequest{
		UserID:           userID,
		FileName:         fileName,
		IdempotencyToken: idemToken,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.URL == "" || result.Key == "" {
		return nil, fmt.Errorf("presign response missing url or key: %w", models.ErrRequestFailed)
	}
	return &result, nil
}

type pushRequest struct {
	UserID  string                `json:"user_id"`
	Records []*models.Transaction `json:"records"`
}

// PushTransactions upserts dirty records remotely.
func (c *HTTPClient) PushTransactions(ctx context.Context, userID string, records []*models.Transaction) (*models.PushResult, error) {
	var result models.PushResult
	err := c.postJSON(ctx, "/v1/transactions/push", pushRequest{
		UserID:  userID,
		Records: records,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type pullResponse struct {
	Records []*models.Transaction `json:"records"`
}

// PullTransactions fetches the user's remote records.
func (c *HTTPClient) PullTransactions(ctx context.Context, userID string) ([]*models.Transaction, error) {
	url := fmt.Sprintf("%s/v1/transactions?user_id=%s", c.baseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.control.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull transactions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, body)
	}

	var result pullResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return result.Records, nil
}

// UploadBinary PUTs the compressed receipt to the presigned URL.
func (c *HTTPClient) UploadBinary(ctx context.Context, target *PresignResult, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.ContentLength = int64(len(blob))

	resp, err := c.upload.Do(req)
	if err != nil {
		return fmt.Errorf("upload binary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload to %s: %w", target.Key, c.statusError(resp.StatusCode, body))
	}

	c.logger.WithFields(map[string]interface{}{
		"key":  target.Key,
		"size": len(blob),
	}).Debug("Uploaded binary")

	return nil
}

// Close releases resources.
func (c *HTTPClient) Close() error {
	c.control.CloseIdleConnections()
	return nil
}

// postJSON sends a JSON POST and decodes the response into out.
func (c *HTTPClient) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	url := c.baseURL + path

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"method": "POST",
		"url":    url,
		"size":   len(body),
	}).Debug("Sending request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.control.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := events.GetTraceID(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
}

// statusError maps an HTTP failure to the boundary's sentinel errors, with
// the structured API error attached when the body parses. A body that does
// not parse still becomes an APIError so the status code survives into
// classification; a bare 502 must stay retryable.
func (c *HTTPClient) statusError(status int, body []byte) error {
	var apiErr models.APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		apiErr.StatusCode = status
		return &apiErr
	}

	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("HTTP %d: %w", status, models.ErrRateLimited)
	case http.StatusUnauthorized:
		return fmt.Errorf("HTTP %d: %w", status, models.ErrUnauthorized)
	case http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %w", status, models.ErrAccessDenied)
	default:
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &models.APIError{
			StatusCode: status,
			Code:       "http_error",
			Message:    msg,
		}
	}
}
