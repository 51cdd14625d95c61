// Package store persists sessions, window registrations and content-script
// reports so a restarted coordinator can pick up where it left off.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("not found")

// Store is the persistence surface used by the orchestrator
type Store interface {
	SaveSession(ctx context.Context, s models.AutomationSession) error
	GetSession(ctx context.Context, id string) (models.AutomationSession, error)
	ListSessions(ctx context.Context) ([]models.AutomationSession, error)

	SaveWindow(ctx context.Context, windowID int, reg models.WindowRegistration) error
	GetWindow(ctx context.Context, windowID int) (models.WindowRegistration, error)
	DeleteWindow(ctx context.Context, windowID int) error
	ListWindows(ctx context.Context) (map[int]models.WindowRegistration, error)

	AppendEvent(ctx context.Context, ev models.SessionEvent) error
	ListEvents(ctx context.Context, sessionID string) ([]models.SessionEvent, error)

	// Prune drops terminal sessions that ended before cutoff together with
	// their events, and stale window registrations. It returns the number of
	// sessions removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
