// Package api is the marketplace REST client used by the tracker: sign-in,
// the current user and trip status lookups.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildorite/tracker/internal/domain"
)

// SessionStore persists the session. A 401 from any call clears it.
type SessionStore interface {
	Session(ctx context.Context) (domain.Session, error)
	SaveSession(ctx context.Context, sess domain.Session) error
	ClearSession(ctx context.Context) error
}

// Error is a structured non-2xx response.
type Error struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	}
	return nil
}

// Client talks to the marketplace HTTP API with bearer authentication.
type Client struct {
	baseURL string
	http    *http.Client
	store   SessionStore
	log     *slog.Logger
}

// New creates a client for baseURL. A zero timeout leaves requests bounded
// only by their context.
func New(baseURL string, store SessionStore, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		store:   store,
		log:     logger,
	}
}

// Login signs in with phone and password and persists the resulting session.
func (c *Client) Login(ctx context.Context, phone, password string) (domain.Session, error) {
	var out domain.LoginResponse
	body := domain.LoginRequest{Phone: strings.TrimSpace(phone), Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &out); err != nil {
		return domain.Session{}, fmt.Errorf("login: %w", err)
	}
	if out.AccessToken == "" {
		return domain.Session{}, errors.New("login: server returned empty access token")
	}
	sess := domain.Session{
		UserID:      out.User.ID,
		Role:        domain.ParseRole(out.User.Role),
		AccessToken: out.AccessToken,
	}
	if err := c.store.SaveSession(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("login: save session: %w", err)
	}
	c.log.Info("signed in", "user_id", sess.UserID, "role", sess.Role)
	return sess, nil
}

// Me fetches the current user with the stored token.
func (c *Client) Me(ctx context.Context) (domain.UserResponse, error) {
	var out domain.UserResponse
	if err := c.authorized(ctx, http.MethodGet, "/auth/me", &out); err != nil {
		return domain.UserResponse{}, fmt.Errorf("current user: %w", err)
	}
	return out, nil
}

// Trip fetches a trip by id.
func (c *Client) Trip(ctx context.Context, id string) (domain.TripResponse, error) {
	var out domain.TripResponse
	if err := c.authorized(ctx, http.MethodGet, "/trips/"+url.PathEscape(id), &out); err != nil {
		return domain.TripResponse{}, fmt.Errorf("trip %s: %w", id, err)
	}
	return out, nil
}

func (c *Client) authorized(ctx context.Context, method, path string, out any) error {
	sess, err := c.store.Session(ctx)
	if err != nil {
		return err
	}
	if sess.AccessToken == "" {
		return domain.ErrNoSession
	}
	err = c.do(ctx, method, path, sess.AccessToken, nil, out)
	if errors.Is(err, domain.ErrUnauthorized) {
		c.log.Warn("session rejected by server; clearing", "path", path)
		if clearErr := c.store.ClearSession(ctx); clearErr != nil {
			return errors.Join(err, clearErr)
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var errResp domain.ErrorResponse
		if json.Unmarshal(b, &errResp) == nil {
			if msg := firstNonEmpty(errResp.Message, errResp.Error); msg != "" {
				apiErr.Message = msg
			}
			apiErr.Code = errResp.ErrorCode
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
