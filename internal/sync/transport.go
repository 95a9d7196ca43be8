package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/models"
)

// Submitter delivers one queued change to the server
type Submitter interface {
	Submit(ctx context.Context, c *models.PendingChange) (SubmitResult, error)
}

// NewHTTPClient creates an IPv4-only HTTP client for sync traffic
func NewHTTPClient(timeout time.Duration) *http.Client {
	ipv4Dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ipv4Dialer.DialContext(ctx, "tcp4", addr)
			},
			MaxIdleConns:    20,
			IdleConnTimeout: 90 * time.Second,
		},
	}
}

// MakeAuthenticatedRequest creates an HTTP request with a Bearer token
func MakeAuthenticatedRequest(ctx context.Context, method, url string, body []byte, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// HTTPSubmitter posts changes to /api/sync/changes on the current route
type HTTPSubmitter struct {
	BaseURL func() string
	Token   string
	Client  *http.Client
}

// NewHTTPSubmitter creates a submitter. baseURL is read on every submit so
// route switches take effect immediately.
func NewHTTPSubmitter(baseURL func() string, token string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSubmitter{BaseURL: baseURL, Token: token, Client: NewHTTPClient(timeout)}
}

// NewSubmitRequest builds the wire form of a stored change
func NewSubmitRequest(c *models.PendingChange) SubmitRequest {
	return SubmitRequest{
		ContentHash:  c.ContentHash,
		EntityType:   c.EntityType,
		EntityID:     c.EntityID,
		Operation:    c.Operation,
		BaseVersion:  c.BaseVersion,
		DeviceID:     c.DeviceID,
		Payload:      json.RawMessage(c.Payload),
		ChangedAt:    c.ChangedAt,
		OfflineSince: c.OfflineSince,
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, c *models.PendingChange) (SubmitResult, error) {
	base := strings.TrimRight(s.BaseURL(), "/")
	if base == "" {
		return SubmitResult{}, &TransientError{Err: ErrOffline}
	}

	body, err := json.Marshal(NewSubmitRequest(c))
	if err != nil {
		return SubmitResult{}, &RejectedError{Reason: fmt.Sprintf("encode change: %v", err)}
	}

	req, err := MakeAuthenticatedRequest(ctx, http.MethodPost, base+"/api/sync/changes", body, s.Token)
	if err != nil {
		return SubmitResult{}, &RejectedError{Reason: err.Error()}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return SubmitResult{}, err
		}
		return SubmitResult{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResult{}, &TransientError{Err: err}
	}
	var out SubmitResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 500 {
			return SubmitResult{}, &TransientError{Err: fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)}
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return SubmitResult{Duplicate: out.Status == StatusDuplicate, Version: out.Version}, nil
	case resp.StatusCode == http.StatusConflict:
		if out.Server == nil {
			return SubmitResult{}, &RejectedError{Reason: "conflict response without server version"}
		}
		return SubmitResult{}, &ConflictError{Reason: out.Error, Server: *out.Server}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return SubmitResult{}, &RejectedError{Reason: out.Error, Server: out.Server}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return SubmitResult{}, &RejectedError{Reason: fmt.Sprintf("not authorized (HTTP %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return SubmitResult{}, &TransientError{Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	default:
		return SubmitResult{}, &RejectedError{Reason: fmt.Sprintf("unexpected HTTP %d", resp.StatusCode)}
	}
}
