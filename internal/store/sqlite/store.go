package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/buildorite/tracker/internal/domain"
)

// Persisted keys. Writers and readers are listed on the accessor methods.
const (
	keyUser          = "user"
	keyAccessToken   = "accessToken"
	keyActiveTripID  = "activeTripId"
	keyTrackingToast = "hasShownTrackingToast"
	keyStartRequest  = "pendingStartRequest"
)

const storedValueTrue = "true"
const storedValueFalse = "false"

const takeValueQuery = `DELETE FROM kv WHERE key = ? RETURNING value`

const deleteMatchingValueQuery = `DELETE FROM kv WHERE key = ? AND value = ?`

type storedUser struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type storedStartRequest struct {
	ID        string `json:"id"`
	TripID    string `json:"tripId"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return v, err
}

func (s *Store) put(ctx context.Context, key, value string) error {
	_, err := s.putStmt.ExecContext(ctx, key, value, s.now())
	return err
}

func (s *Store) del(ctx context.Context, key string) error {
	_, err := s.delStmt.ExecContext(ctx, key)
	return err
}

// Session returns the persisted session. A device that never logged in
// yields a zero Session and no error.
//
// Written by: login/logout in the foreground app and the API client on 401.
// Read by: the background task handler, the realtime channel, app Init.
func (s *Store) Session(ctx context.Context) (domain.Session, error) {
	var out domain.Session
	token, err := s.accessToken(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, err
	}
	out.AccessToken = token

	raw, err := s.get(ctx, keyUser)
	switch {
	case err == nil:
		var u storedUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return domain.Session{}, fmt.Errorf("decode stored user: %w", err)
		}
		out.UserID = strings.TrimSpace(u.UserID)
		out.Role = domain.ParseRole(u.Role)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.Session{}, err
	}

	if !out.Authenticated() && token != "" {
		out.UserID, out.Role = claimsFromToken(token)
	}
	return out, nil
}

// SaveSession persists the user identity and the sealed access token.
func (s *Store) SaveSession(ctx context.Context, sess domain.Session) error {
	raw, err := json.Marshal(storedUser{UserID: strings.TrimSpace(sess.UserID), Role: string(sess.Role)})
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if _, err := tx.ExecContext(ctx, putValueQuery, keyUser, string(raw), now); err != nil {
		return err
	}
	if sess.AccessToken == "" {
		if _, err := tx.ExecContext(ctx, deleteValueQuery, keyAccessToken); err != nil {
			return err
		}
	} else {
		sealed, err := seal(s.key, sess.AccessToken)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, putValueQuery, keyAccessToken, sealed, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearSession removes the user identity and the access token.
func (s *Store) ClearSession(ctx context.Context) error {
	return errors.Join(s.del(ctx, keyUser), s.del(ctx, keyAccessToken))
}

func (s *Store) accessToken(ctx context.Context) (string, error) {
	sealed, err := s.get(ctx, keyAccessToken)
	if err != nil {
		return "", err
	}
	token, err := open(s.key, sealed)
	if err != nil {
		return "", fmt.Errorf("unseal access token: %w", err)
	}
	return token, nil
}

// claimsFromToken reads the user id and role from an access token without
// verifying its signature; the device never holds the signing key.
func claimsFromToken(token string) (string, domain.Role) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ""
	}
	var userID string
	for _, k := range []string{"userId", "user_id", "id", "_id"} {
		if v, ok := claims[k].(string); ok && strings.TrimSpace(v) != "" {
			userID = strings.TrimSpace(v)
			break
		}
	}
	if userID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			userID = strings.TrimSpace(sub)
		}
	}
	var role domain.Role
	for _, k := range []string{"role", "user_type"} {
		if v, ok := claims[k].(string); ok {
			if role = domain.ParseRole(v); role != "" {
				break
			}
		}
	}
	return userID, role
}

// ActiveTrip returns the trip this device is reporting for.
//
// Written by: the orchestrator (start/stop), app Init cleanup.
// Read by: the background task handler and the orchestrator.
func (s *Store) ActiveTrip(ctx context.Context) (domain.ActiveTrip, error) {
	var out domain.ActiveTrip
	id, err := s.get(ctx, keyActiveTripID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return out, err
	}
	out.TripID = strings.TrimSpace(id)
	toast, err := s.get(ctx, keyTrackingToast)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return out, err
	}
	out.HasShownTrackingToast = toast == storedValueTrue
	return out, nil
}

// SetActiveTripID records tripID as the active trip and resets the toast flag.
func (s *Store) SetActiveTripID(ctx context.Context, tripID string) error {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return s.ClearActiveTrip(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := s.now()
	if _, err := tx.ExecContext(ctx, putValueQuery, keyActiveTripID, tripID, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, putValueQuery, keyTrackingToast, storedValueFalse, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearActiveTrip removes the active trip id and its toast flag.
func (s *Store) ClearActiveTrip(ctx context.Context) error {
	return errors.Join(s.del(ctx, keyActiveTripID), s.del(ctx, keyTrackingToast))
}

// ClearActiveTripIf clears the active trip only while it is still tripID.
// It reports whether a row was removed.
func (s *Store) ClearActiveTripIf(ctx context.Context, tripID string) (bool, error) {
	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, deleteMatchingValueQuery, keyActiveTripID, tripID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, deleteValueQuery, keyTrackingToast); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// MarkTrackingToastShown remembers that the user was told tracking started.
func (s *Store) MarkTrackingToastShown(ctx context.Context) error {
	return s.put(ctx, keyTrackingToast, storedValueTrue)
}

// PostStartRequest leaves a start-tracking request for the foreground app.
// Only the latest request is kept.
//
// Written by: the background task handler.
// Read (and consumed) by: the orchestrator on the next foreground transition.
func (s *Store) PostStartRequest(ctx context.Context, req domain.PendingTrackingRequest) error {
	raw, err := json.Marshal(storedStartRequest{
		ID:        req.ID,
		TripID:    req.TripID,
		Timestamp: req.Timestamp.UnixMilli(),
		Source:    string(req.Source),
	})
	if err != nil {
		return err
	}
	return s.put(ctx, keyStartRequest, string(raw))
}

// TakeStartRequest atomically removes and returns the posted start request.
// The boolean is false when the mailbox is empty.
func (s *Store) TakeStartRequest(ctx context.Context) (domain.PendingTrackingRequest, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, takeValueQuery, keyStartRequest).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PendingTrackingRequest{}, false, nil
	}
	if err != nil {
		return domain.PendingTrackingRequest{}, false, err
	}
	var stored storedStartRequest
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.PendingTrackingRequest{}, false, fmt.Errorf("decode start request: %w", err)
	}
	return domain.PendingTrackingRequest{
		ID:        stored.ID,
		TripID:    stored.TripID,
		Timestamp: unixMilliUTC(stored.Timestamp),
		Source:    domain.Source(stored.Source),
	}, true, nil
}
