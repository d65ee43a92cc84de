// Package conversation holds the interview's tagged state, the in-flight
// indicators and the append-only message history.
package conversation

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

type Options struct {
	Mode Mode
	// Greeting, when non-empty, is stored as the first final assistant message.
	Greeting string
	Now      func() time.Time
}

// Snapshot is a consistent read of the machine.
type Snapshot struct {
	State      State
	Mode       Mode
	Indicators Indicators
	Messages   []Message
	TurnOpen   bool
}

// Machine is the conversation state machine. Mutations are expected from the
// session loop; reads are safe from any goroutine.
type Machine struct {
	mu    sync.RWMutex
	mode  Mode
	state State
	// prior is the state LeaveConfirm returns to on dismissal. Progress that
	// happens while the prompt is up is applied here.
	prior      State
	indicators Indicators
	messages   []Message
	checkpoint int
	turnEnded  bool
	listeners  []StateListener
	now        func() time.Time
}

func New(opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		mode:       opts.Mode,
		state:      StateIdle,
		checkpoint: -1,
		now:        opts.Now,
	}
	if opts.Greeting != "" {
		m.messages = []Message{{Role: RoleAssistant, Text: opts.Greeting, Final: true, At: opts.Now()}}
	}
	return m
}

func (m *Machine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Mode() Mode { return m.mode }

// Messages returns the current history. The slice is shared and must not be modified.
func (m *Machine) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages[:len(m.messages):len(m.messages)]
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:      m.state,
		Mode:       m.mode,
		Indicators: m.indicators,
		Messages:   m.messages[:len(m.messages):len(m.messages)],
		TurnOpen:   m.checkpoint >= 0,
	}
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	ev, err := m.transitionLocked(to, reason)
	listeners := m.listeners
	m.mu.Unlock()
	if err != nil {
		return err
	}
	notify(listeners, ev)
	return nil
}

func (m *Machine) transitionLocked(to State, reason string) (StateChange, error) {
	if !transitionValid(m.state, to) {
		return StateChange{}, &InvalidTransitionError{From: m.state, To: to}
	}
	ev := StateChange{FromState: m.state, ToState: to, Timestamp: m.now(), Reason: reason}
	if to == StateLeaveConfirm {
		m.prior = m.state
	}
	m.state = to
	return ev, nil
}

// advanceLocked moves the working state. While the leave prompt is shown the
// move is recorded on the state the prompt returns to.
func (m *Machine) advanceLocked(to State, reason string) (*StateChange, error) {
	if m.state == StateLeaveConfirm {
		if m.prior == to {
			return nil, nil
		}
		if !transitionValid(m.prior, to) {
			return nil, &InvalidTransitionError{From: m.prior, To: to}
		}
		m.prior = to
		return nil, nil
	}
	if m.state == to {
		return nil, nil
	}
	ev, err := m.transitionLocked(to, reason)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (m *Machine) working() State {
	if m.state == StateLeaveConfirm {
		return m.prior
	}
	return m.state
}

// CanTransition reports whether the working state (the one behind a leave
// prompt, if shown) may move to the given state.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateEnded {
		return false
	}
	from := m.working()
	return from == to || transitionValid(from, to)
}

func notify(listeners []StateListener, ev StateChange) {
	for _, l := range listeners {
		l.OnStateChange(ev)
	}
}

// apply runs fn under the lock and notifies listeners for any transition it made.
func (m *Machine) apply(fn func() (*StateChange, error)) error {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return &InvalidTransitionError{From: StateEnded, To: StateEnded}
	}
	ev, err := fn()
	listeners := m.listeners
	m.mu.Unlock()
	if ev != nil {
		notify(listeners, *ev)
	}
	return err
}

func (m *Machine) StartRecording() error {
	return m.apply(func() (*StateChange, error) {
		return m.advanceLocked(StateRecording, "recording started")
	})
}

// StopRecording ends the utterance and opens a turn checkpoint for it. In
// concurrent mode this also closes whatever turn the peer left open.
func (m *Machine) StopRecording() error {
	return m.apply(func() (*StateChange, error) {
		if m.working() != StateRecording {
			return nil, &InvalidTransitionError{From: m.working(), To: StateIdle}
		}
		m.indicators.Processing = true
		m.turnEnded = false
		if m.mode == ModeSequential {
			m.beginTurnLocked()
			return m.advanceLocked(StateProcessing, "recording stopped")
		}
		m.checkpoint = len(m.messages)
		return m.advanceLocked(StateIdle, "recording stopped")
	})
}

// OnTranscript appends the final user message for one utterance. A streamed
// transcript starts a new turn; a batch transcript settles the transcribe leg.
func (m *Machine) OnTranscript(text string, at time.Time) {
	_ = m.apply(func() (*StateChange, error) {
		if m.mode == ModeConcurrent {
			m.checkpoint = len(m.messages)
		}
		m.messages = appendMessage(m.messages, Message{Role: RoleUser, Text: text, Final: true, At: at})
		m.indicators.Processing = false
		m.indicators.Sending = true
		if m.mode == ModeSequential {
			m.settleLegLocked()
			if m.working() == StateProcessing {
				return m.advanceLocked(StateSending, "transcript received")
			}
		}
		return nil, nil
	})
}

// OnReplyDelta concatenates onto an open assistant message or starts a new one.
func (m *Machine) OnReplyDelta(text string, final bool, at time.Time) {
	_ = m.apply(func() (*StateChange, error) {
		n := len(m.messages)
		if n > 0 && m.messages[n-1].Role == RoleAssistant && !m.messages[n-1].Final {
			last := m.messages[n-1]
			last.Text += text
			last.Final = final
			m.messages = replaceLast(m.messages, last)
		} else {
			m.messages = appendMessage(m.messages, Message{Role: RoleAssistant, Text: text, Final: final, At: at})
		}
		m.indicators.Processing = false
		m.indicators.Sending = !final
		if final && m.mode == ModeSequential {
			m.settleLegLocked()
			m.indicators.Speaking = true
			if m.working() == StateSending {
				return m.advanceLocked(StateSpeaking, "reply received")
			}
		}
		return nil, nil
	})
}

// OnTurnComplete finalises the open assistant message and closes the turn.
func (m *Machine) OnTurnComplete() {
	_ = m.apply(func() (*StateChange, error) {
		n := len(m.messages)
		if n > 0 && m.messages[n-1].Role == RoleAssistant && !m.messages[n-1].Final {
			last := m.messages[n-1]
			last.Final = true
			m.messages = replaceLast(m.messages, last)
		}
		m.checkpoint = -1
		m.indicators.Processing = false
		m.indicators.Sending = false
		m.turnEnded = true
		if m.mode == ModeSequential && m.working() == StateSending {
			return m.advanceLocked(StateSpeaking, "turn complete")
		}
		return nil, nil
	})
}

func (m *Machine) OnAudio() {
	_ = m.apply(func() (*StateChange, error) {
		m.indicators.Speaking = true
		if m.mode == ModeSequential && m.working() == StateSending {
			return m.advanceLocked(StateSpeaking, "audio received")
		}
		return nil, nil
	})
}

// OnPlaybackDrained clears Speaking. In sequential mode the turn leaves
// Speaking only after its end marker has arrived too.
func (m *Machine) OnPlaybackDrained() {
	_ = m.apply(func() (*StateChange, error) {
		if m.mode != ModeSequential {
			m.indicators.Speaking = false
			return nil, nil
		}
		if !m.turnEnded {
			return nil, nil
		}
		m.indicators.Speaking = false
		m.turnEnded = false
		if m.working() == StateSpeaking {
			return m.advanceLocked(StateIdle, "playback drained")
		}
		return nil, nil
	})
}

// OnRemoteError abandons the in-flight turn and clears the indicators. In
// sequential mode only the failing leg's output is removed. It reports whether
// any message was removed.
func (m *Machine) OnRemoteError() bool {
	removed := false
	_ = m.apply(func() (*StateChange, error) {
		removed = m.abandonTurnLocked()
		m.indicators = Indicators{}
		m.turnEnded = false
		switch m.working() {
		case StateProcessing, StateSending, StateSpeaking:
			return m.advanceLocked(StateIdle, "remote call failed")
		}
		return nil, nil
	})
	return removed
}

// Halt surfaces a lost transport.
func (m *Machine) Halt(reason string) error {
	return m.apply(func() (*StateChange, error) {
		m.indicators = Indicators{}
		if m.state == StateHalted || (m.state == StateLeaveConfirm && m.prior == StateHalted) {
			return nil, nil
		}
		return m.advanceLocked(StateHalted, reason)
	})
}

func (m *Machine) RequestLeave() error {
	return m.apply(func() (*StateChange, error) {
		ev, err := m.transitionLocked(StateLeaveConfirm, "leave requested")
		if err != nil {
			return nil, err
		}
		return &ev, nil
	})
}

// DismissLeave returns to the state the prompt interrupted, including any
// progress made meanwhile.
func (m *Machine) DismissLeave() error {
	return m.apply(func() (*StateChange, error) {
		if m.state != StateLeaveConfirm {
			return nil, &InvalidTransitionError{From: m.state, To: m.prior}
		}
		ev, err := m.transitionLocked(m.prior, "leave dismissed")
		if err != nil {
			return nil, err
		}
		return &ev, nil
	})
}

func (m *Machine) ConfirmLeave() error {
	return m.apply(func() (*StateChange, error) {
		ev, err := m.transitionLocked(StateEnded, "leave confirmed")
		if err != nil {
			return nil, err
		}
		m.indicators = Indicators{}
		return &ev, nil
	})
}

// BeginTurn records the history length so a failed turn can be rolled back.
// A second call while a turn is open keeps the earlier checkpoint.
func (m *Machine) BeginTurn() {
	m.mu.Lock()
	m.beginTurnLocked()
	m.mu.Unlock()
}

func (m *Machine) beginTurnLocked() {
	if m.checkpoint < 0 {
		m.checkpoint = len(m.messages)
	}
}

// settleLegLocked moves an open checkpoint past the messages a finished
// round-trip leg produced, so a later leg's failure keeps them.
func (m *Machine) settleLegLocked() {
	if m.checkpoint >= 0 {
		m.checkpoint = len(m.messages)
	}
}

// CompleteTurn closes the open turn, keeping its messages.
func (m *Machine) CompleteTurn() {
	m.mu.Lock()
	m.checkpoint = -1
	m.mu.Unlock()
}

// AbandonTurn truncates the history to the open checkpoint. No-op without one.
func (m *Machine) AbandonTurn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abandonTurnLocked()
}

func (m *Machine) abandonTurnLocked() bool {
	if m.checkpoint < 0 {
		return false
	}
	cut := m.checkpoint
	m.checkpoint = -1
	if cut >= len(m.messages) {
		return false
	}
	out := make([]Message, cut)
	copy(out, m.messages[:cut])
	m.messages = out
	return true
}
