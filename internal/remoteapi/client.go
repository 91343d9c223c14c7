// Package remoteapi talks to the barbershop booking REST API.
package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

const defaultTimeout = 15 * time.Second

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("remoteapi: not found")

// APIError describes a non-2xx response.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API returned %d for %s: %s", e.Status, e.Path, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404s.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client wraps the appointment endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *logging.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient constructs a client for baseURL.
func NewClient(baseURL string, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.Component("remoteapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateAppointment POSTs a new appointment and returns the server's copy.
func (c *Client) CreateAppointment(ctx context.Context, a appointments.Appointment) (appointments.Appointment, error) {
	var wrapped struct {
		AppointmentPayload
		Data *AppointmentPayload `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/appointments", FromAppointment(a), &wrapped); err != nil {
		return appointments.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	payload := wrapped.AppointmentPayload
	if wrapped.Data != nil {
		payload = *wrapped.Data
	}
	if payload.ID == "" {
		return appointments.Appointment{}, errors.New("create appointment: response has no id")
	}
	created := payload.ToAppointment()
	if created.ClientName == "" {
		// minimal {"id": ...} response: keep the local fields
		id := created.ID
		created = a
		created.ID = id
	}
	return created, nil
}

// UpdateAppointment PATCHes the changed fields.
func (c *Client) UpdateAppointment(ctx context.Context, id string, patch appointments.Patch, snapshot appointments.Appointment) error {
	path := "/appointments/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodPatch, path, FromPatch(patch, snapshot), nil); err != nil {
		return fmt.Errorf("update appointment %s: %w", id, err)
	}
	return nil
}

// DeleteAppointment removes id. A 404 is reported as ErrNotFound.
func (c *Client) DeleteAppointment(ctx context.Context, id string) error {
	path := "/appointments/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete appointment %s: %w", id, err)
	}
	return nil
}

// ListAppointments returns the server's appointments for one day, optionally
// for one staff member.
func (c *Client) ListAppointments(ctx context.Context, day time.Time, staffID string) ([]appointments.Appointment, error) {
	q := url.Values{}
	q.Set("date", day.Format("2006-01-02"))
	if staffID != "" {
		q.Set("staff_id", staffID)
	}
	path := "/appointments?" + q.Encode()

	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	var payloads []AppointmentPayload
	if err := json.Unmarshal(raw, &payloads); err != nil {
		var wrapped struct {
			Appointments []AppointmentPayload `json:"appointments"`
			Data         []AppointmentPayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("list appointments: decode: %w", err)
		}
		payloads = wrapped.Appointments
		if len(payloads) == 0 {
			payloads = wrapped.Data
		}
	}
	out := make([]appointments.Appointment, 0, len(payloads))
	for _, p := range payloads {
		if p.ID == "" {
			continue
		}
		out = append(out, p.ToAppointment())
	}
	return out, nil
}

// Probe checks reachability of path. Any response below 500 means the API
// answered.
func (c *Client) Probe(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &APIError{Status: resp.StatusCode, Path: path}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	endpoint := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(respBody)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn("remote API non-2xx response", "status", resp.StatusCode, "method", method, "path", path, "body", msg)
		}
		return &APIError{Status: resp.StatusCode, Path: path, Body: msg}
	}

	if len(respBody) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
