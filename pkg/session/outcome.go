package session

import (
	"context"
	"time"

	"github.com/harunnryd/parley/pkg/conversation"
)

// User-facing copy.
const (
	LeaveWarning        = "If you leave now, you may not receive full feedback."
	ForfeitWarning      = "Exiting after 10 minutes will consume your interview credit without feedback."
	FeedbackPending     = "Processing Interview... (Might take 2-3 minutes)"
	MicPermissionDenied = "Microphone access denied."
	MicUnavailable      = "No microphone found."
	ConnectionLost      = "Connection to the interviewer was lost."
)

// DefaultForfeitAfter is the elapsed time from which leaving forfeits the credit.
const DefaultForfeitAfter = 10 * time.Minute

// Outcome is handed to the Navigator once the user confirms leaving.
type Outcome struct {
	Route           string
	SessionID       string
	Transport       string
	StartedAt       time.Time
	EndedAt         time.Time
	Elapsed         time.Duration
	CreditForfeited bool
	Messages        []conversation.Message
}

// Navigator moves the user on to feedback once a session has ended.
type Navigator interface {
	Proceed(ctx context.Context, outcome Outcome) error
}

type NavigatorFunc func(ctx context.Context, outcome Outcome) error

func (f NavigatorFunc) Proceed(ctx context.Context, outcome Outcome) error { return f(ctx, outcome) }

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Forfeited applies the forfeiture rule; the boundary is inclusive.
func Forfeited(elapsed, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultForfeitAfter
	}
	return elapsed >= threshold
}
