package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	billerr "vpnbilling/internal/errors"
)

// APIError is a non-2xx answer from the panel.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s (status: %d)", e.Body, e.StatusCode)
}

func (e *APIError) ErrorKind() billerr.Kind {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return billerr.KindTransient
	}
	return billerr.KindValidation
}

var ErrNotFound = errors.New("panel user not found")

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("Panel request failed")
		return billerr.Transient("remnawave "+endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("Failed to read panel response")
		return billerr.Transient("remnawave "+endpoint, err)
	}

	ev := log.Debug()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		ev = log.Warn()
	}
	ev.Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Panel request")

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// GetUser fetches a subscriber by username; ErrNotFound when absent.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	var resp APIResponse[UserResponse]
	err := c.doRequest(ctx, http.MethodGet, "/api/users/by-username/"+url.PathEscape(username), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resp.Response.toUser()
}

func (c *Client) CreateUser(ctx context.Context, spec UserSpec) (*User, error) {
	reqBody := CreateUserRequest{
		Username:             spec.Username,
		Status:               spec.Status,
		TrafficLimitBytes:    spec.TrafficLimitBytes,
		TrafficLimitStrategy: strategyNoReset,
		ExpireAt:             spec.ExpireAt.UTC().Format(time.RFC3339),
		ActiveInternalSquads: spec.Squads,
	}
	if spec.TelegramID != 0 {
		reqBody.TelegramID = &spec.TelegramID
	}
	if spec.DeviceLimit > 0 {
		reqBody.HwidDeviceLimit = &spec.DeviceLimit
	}

	var resp APIResponse[UserResponse]
	if err := c.doRequest(ctx, http.MethodPost, "/api/users", reqBody, &resp); err != nil {
		return nil, err
	}
	return resp.Response.toUser()
}

// UpdateUser sends only the fields set in the patch.
func (c *Client) UpdateUser(ctx context.Context, patch UserPatch) (*User, error) {
	reqBody := UpdateUserRequest{
		UUID:                 patch.UUID,
		Status:               patch.Status,
		TrafficLimitBytes:    patch.TrafficLimitBytes,
		HwidDeviceLimit:      patch.DeviceLimit,
		ActiveInternalSquads: patch.Squads,
	}
	if patch.TrafficLimitBytes != nil {
		strategy := strategyNoReset
		reqBody.TrafficLimitStrategy = &strategy
	}
	if patch.ExpireAt != nil {
		s := patch.ExpireAt.UTC().Format(time.RFC3339)
		reqBody.ExpireAt = &s
	}

	var resp APIResponse[UserResponse]
	if err := c.doRequest(ctx, http.MethodPatch, "/api/users", reqBody, &resp); err != nil {
		return nil, err
	}
	return resp.Response.toUser()
}

// UpsertUser makes the panel match spec, creating the user when absent.
func (c *Client) UpsertUser(ctx context.Context, spec UserSpec) (*User, error) {
	remote, err := c.GetUser(ctx, spec.Username)
	if errors.Is(err, ErrNotFound) {
		return c.CreateUser(ctx, spec)
	}
	if err != nil {
		return nil, err
	}
	patch := Diff(remote, spec)
	if patch.Empty() {
		return remote, nil
	}
	return c.UpdateUser(ctx, patch)
}

func (c *Client) ListSquads(ctx context.Context) ([]Squad, error) {
	var resp APIResponse[squadList]
	if err := c.doRequest(ctx, http.MethodGet, "/api/internal-squads", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Response.InternalSquads, nil
}

// Diff returns the patch that turns remote into spec.
func Diff(remote *User, spec UserSpec) UserPatch {
	patch := UserPatch{UUID: remote.UUID}
	if remote.Status != spec.Status {
		patch.Status = &spec.Status
	}
	if remote.TrafficLimitBytes != spec.TrafficLimitBytes {
		patch.TrafficLimitBytes = &spec.TrafficLimitBytes
	}
	if remote.DeviceLimit != spec.DeviceLimit {
		patch.DeviceLimit = &spec.DeviceLimit
	}
	if !remote.ExpireAt.Truncate(time.Second).Equal(spec.ExpireAt.Truncate(time.Second)) {
		patch.ExpireAt = &spec.ExpireAt
	}
	if !sameSet(remote.Squads, spec.Squads) {
		patch.Squads = append([]string{}, spec.Squads...)
	}
	return patch
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (u UserResponse) toUser() (*User, error) {
	out := &User{
		UUID:              u.UUID,
		ShortUUID:         u.ShortUUID,
		Username:          u.Username,
		Status:            u.Status,
		TrafficLimitBytes: u.TrafficLimitBytes,
		UsedTrafficBytes:  u.UsedTrafficBytes,
		SubscriptionURL:   u.SubscriptionURL,
	}
	if u.HwidDeviceLimit != nil {
		out.DeviceLimit = *u.HwidDeviceLimit
	}
	if u.ExpireAt != "" {
		t, err := time.Parse(time.RFC3339, u.ExpireAt)
		if err != nil {
			return nil, fmt.Errorf("invalid expireAt %q: %w", u.ExpireAt, err)
		}
		out.ExpireAt = t
	}
	for _, sq := range u.ActiveInternalSquads {
		out.Squads = append(out.Squads, sq.UUID)
	}
	return out, nil
}
