package session

import (
	"time"

	"github.com/harunnryd/parley/pkg/conversation"
)

// Snapshot is the read side a view renders from.
type Snapshot struct {
	SessionID  string
	Transport  string
	State      conversation.State
	Mode       conversation.Mode
	Indicators conversation.Indicators
	Messages   []conversation.Message
	Recording  bool
	Elapsed    time.Duration

	// Alert is the user-facing line for the most recent failure, if any.
	Alert      string
	CaptureErr error
	Err        error

	// Warning is the copy shown while leave confirmation is pending.
	Warning string
	Outcome *Outcome
}

// Update is published after every processed command or event.
type Update struct {
	Reason   string
	Snapshot Snapshot
}

// Snapshot can be called from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	ms := c.machine.Snapshot()
	c.statusMu.RLock()
	st := c.status
	c.statusMu.RUnlock()

	snap := Snapshot{
		SessionID:  c.cfg.SessionID,
		State:      ms.State,
		Mode:       ms.Mode,
		Indicators: ms.Indicators,
		Messages:   ms.Messages,
		Recording:  ms.State == conversation.StateRecording,
		Alert:      st.alert,
		CaptureErr: st.captureErr,
		Err:        st.err,
		Outcome:    st.outcome,
	}
	if c.deps.Transport != nil {
		snap.Transport = c.deps.Transport.Name()
	}
	started := st.startedAt
	if !started.IsZero() {
		end := st.endedAt
		if end.IsZero() {
			end = c.cfg.Clock.Now()
		}
		snap.Elapsed = end.Sub(started)
	}
	if ms.State == conversation.StateLeaveConfirm {
		snap.Warning = LeaveWarning
		if Forfeited(snap.Elapsed, c.cfg.ForfeitAfter) {
			snap.Warning = ForfeitWarning
		}
	}
	return snap
}

// Subscribe returns a channel of updates. Slow subscribers miss
// intermediate updates rather than blocking the loop. The channel is closed
// at teardown.
func (c *Controller) Subscribe() <-chan Update {
	ch := make(chan Update, 16)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Controller) publish(reason string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	up := Update{Reason: reason, Snapshot: c.Snapshot()}
	for _, ch := range c.subs {
		select {
		case ch <- up:
		default:
		}
	}
}

func (c *Controller) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.subsClosed = true
}

func (c *Controller) setStatus(fn func(*status)) {
	c.statusMu.Lock()
	fn(&c.status)
	c.statusMu.Unlock()
}
