package assign

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

type (
	// HTTPDirectory is the production trainer directory client. It rate
	// limits outbound calls so an allocation burst cannot saturate the
	// directory service.
	HTTPDirectory struct {
		base    *url.URL
		client  *http.Client
		limiter *rate.Limiter
	}

	// DirectoryOption configures an HTTPDirectory.
	DirectoryOption func(*HTTPDirectory)

	// directoryTrainer is the directory's wire shape for one trainer.
	directoryTrainer struct {
		ID         string   `json:"id"`
		IsActive   bool     `json:"isActive"`
		CourseIDs  []string `json:"courseIds"`
		Lat        *float64 `json:"lat"`
		Lng        *float64 `json:"lng"`
		Rating     float64  `json:"averageRating"`
		AcceptMore *bool    `json:"acceptMoreAllocations"`
	}
)

// Directory client defaults.
const (
	DefaultDirectoryTimeout = 10 * time.Second
	DefaultDirectoryRate    = 20 // requests per second
	DefaultDirectoryBurst   = 10
)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) DirectoryOption {
	return func(d *HTTPDirectory) { d.client = c }
}

// WithRateLimit overrides the outbound request rate.
func WithRateLimit(perSecond float64, burst int) DirectoryOption {
	return func(d *HTTPDirectory) { d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewHTTPDirectory returns a client for the directory at baseURL.
func NewHTTPDirectory(baseURL string, opts ...DirectoryOption) (*HTTPDirectory, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("assign: parse directory url: %w", err)
	}
	d := &HTTPDirectory{
		base:    base,
		client:  &http.Client{Timeout: DefaultDirectoryTimeout},
		limiter: rate.NewLimiter(DefaultDirectoryRate, DefaultDirectoryBurst),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

var _ Directory = (*HTTPDirectory)(nil)

// Search queries GET {base}/trainers with the filters as query parameters.
func (d *HTTPDirectory) Search(ctx context.Context, f Filters) ([]Trainer, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("assign: directory rate limit: %w", err)
	}

	u := d.base.JoinPath("trainers")
	q := u.Query()
	if f.FranchiseID != "" {
		q.Set("franchiseId", f.FranchiseID)
	}
	if f.ZoneID != "" {
		q.Set("zoneId", f.ZoneID)
	}
	if f.CourseID != "" {
		q.Set("courseId", f.CourseID)
	}
	if f.ActiveOnly {
		q.Set("isActive", "true")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("assign: directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assign: directory search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("assign: directory search: status %d: %s", resp.StatusCode, body)
	}

	var wire []directoryTrainer
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("assign: decode directory response: %w", err)
	}
	out := make([]Trainer, len(wire))
	for i, w := range wire {
		t := Trainer{
			ID:         w.ID,
			Active:     w.IsActive,
			Courses:    w.CourseIDs,
			Rating:     w.Rating,
			AcceptMore: true,
		}
		if w.Lat != nil && w.Lng != nil {
			t.Lat, t.Lng, t.HasLocation = *w.Lat, *w.Lng, true
		}
		if w.AcceptMore != nil {
			t.AcceptMore = *w.AcceptMore
		}
		out[i] = t
	}
	return out, nil
}
