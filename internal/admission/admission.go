// Package admission implements AdmissionController: credential extraction,
// session-cap enforcement, and the atomic bookkeeping that guarantees the
// active-session count is decremented exactly once per accepted session.
package admission

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/ehrlich-b/enginesrv/internal/tokenreg"
)

// ErrNoCredential is returned when neither the query parameter nor the
// Authorization header carried a bearer token.
var ErrNoCredential = errors.New("admission: no credential presented")

// ErrUnknownCredential is returned when the presented token is not a
// member of the token registry.
var ErrUnknownCredential = errors.New("admission: unknown credential")

// ErrAtCapacity is returned when MAX_SESSIONS control sessions are
// already live.
var ErrAtCapacity = errors.New("admission: at capacity")

// Controller enforces MAX_SESSIONS for control sessions. Passive-metrics
// subscriptions are authenticated the same way but never counted.
type Controller struct {
	registry    *tokenreg.Registry
	maxSessions int64
	count       int64
}

// New constructs a Controller. maxSessions <= 0 means unlimited, matching
// MAX_SESSIONS's documented default of 50 being overridden by config, not
// this package — callers pass the resolved value.
func New(registry *tokenreg.Registry, maxSessions int) *Controller {
	return &Controller{registry: registry, maxSessions: int64(maxSessions)}
}

// ExtractCredential pulls the bearer token from the query parameter
// "token" or the Authorization header, preferring the header's bearer
// form when both might be present in a caller's custom flow. Returns
// ErrNoCredential if neither is present.
func ExtractCredential(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer "), nil
		}
		return "", ErrNoCredential
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrNoCredential
}

// Authenticate validates a credential against the token registry.
func (c *Controller) Authenticate(token string) error {
	if token == "" {
		return ErrNoCredential
	}
	if !c.registry.Contains(token) {
		return ErrUnknownCredential
	}
	return nil
}

// Admit attempts to reserve a control-session slot. On success it returns
// a Release function the caller MUST invoke exactly once, on every
// termination path, to free the slot. On failure it returns ErrAtCapacity
// and no slot is reserved.
//
// The increment-and-compare is atomic so that simultaneous admits racing
// for the last slot serialize correctly: at most one succeeds.
func (c *Controller) Admit() (release func(), err error) {
	if c.maxSessions <= 0 {
		return func() {}, nil
	}
	for {
		cur := atomic.LoadInt64(&c.count)
		if cur >= c.maxSessions {
			return nil, ErrAtCapacity
		}
		if atomic.CompareAndSwapInt64(&c.count, cur, cur+1) {
			var released int32
			return func() {
				if atomic.CompareAndSwapInt32(&released, 0, 1) {
					atomic.AddInt64(&c.count, -1)
				}
			}, nil
		}
	}
}

// Count returns the current number of admitted control sessions.
func (c *Controller) Count() int {
	return int(atomic.LoadInt64(&c.count))
}

// MaxSessions returns the configured cap.
func (c *Controller) MaxSessions() int {
	return int(c.maxSessions)
}
