// Package engine holds the explicit runtime context shared by the order
// manager, the watchdog and the dispatcher.
package engine

import (
	"crypto/rand"
	"strings"
	"time"

	"grid-reconciler/internal/balance"
	"grid-reconciler/internal/exchange"
	"grid-reconciler/internal/models"
	"grid-reconciler/internal/persistence"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Env is everything a component needs to act for the current session.
type Env struct {
	Session *models.Session
	Config  *models.Config
	Ledger  persistence.Ledger
	Gateway exchange.Gateway
	Tracker *balance.Tracker
	Logger  *zap.Logger
	Clock   func() time.Time
}

// NewSession starts a session with a fresh id.
func NewSession(cfg *models.Config, now time.Time) *models.Session {
	return &models.Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		Mode:      cfg.TradingMode,
		Symbol:    cfg.Symbol(),
	}
}

// Now returns the env clock, defaulting to wall time.
func (e *Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// SessionTag is the short session prefix carried by every client order id.
func (e *Env) SessionTag() string {
	tag := strings.ReplaceAll(e.Session.ID, "-", "")
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return tag
}

// NewClientOrderID returns a unique, exchange-safe client order id for the
// session: the session tag followed by 12 random base62 characters.
func (e *Env) NewClientOrderID() string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	id := base62.EncodeToString(b)
	if len(id) > 12 {
		id = id[:12]
	}
	return "g" + e.SessionTag() + id
}

// OwnsClientOrderID reports whether an exchange order was placed by this session.
func (e *Env) OwnsClientOrderID(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, "g"+e.SessionTag())
}
