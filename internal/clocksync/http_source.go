package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TimeResponse is the body of GET /api/time
type TimeResponse struct {
	ServerTime time.Time `json:"server_time"`
}

// HTTPTimeSource asks the sync server for its time. BaseURL is called on
// every request so the currently selected route is used.
type HTTPTimeSource struct {
	BaseURL func() string
	Client  *http.Client
}

// NewHTTPTimeSource creates a source with a short request timeout
func NewHTTPTimeSource(baseURL func() string) *HTTPTimeSource {
	return &HTTPTimeSource{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPTimeSource) ServerTime(ctx context.Context) (time.Time, error) {
	base := strings.TrimRight(s.BaseURL(), "/")
	if base == "" {
		return time.Time{}, errors.New("no server route selected")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("time endpoint returned %d", resp.StatusCode)
	}

	var body TimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode time response: %w", err)
	}
	if body.ServerTime.IsZero() {
		return time.Time{}, errors.New("time response has no server_time")
	}
	return body.ServerTime, nil
}
