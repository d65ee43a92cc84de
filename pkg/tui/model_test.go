package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/session"
)

type fakeController struct {
	mu        sync.Mutex
	snap      session.Snapshot
	updates   chan session.Update
	toggles   int
	leaves    int
	dismisses int
	toggleErr error
}

func newFakeController() *fakeController {
	return &fakeController{
		updates: make(chan session.Update, 4),
		snap:    session.Snapshot{SessionID: "s-1", State: conversation.StateIdle, Transport: "duplex"},
	}
}

func (f *fakeController) ToggleRecording(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	return f.toggleErr
}

func (f *fakeController) RequestLeave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	f.snap.State = conversation.StateLeaveConfirm
	f.snap.Warning = session.LeaveWarning
	return nil
}

func (f *fakeController) DismissLeave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismisses++
	f.snap.State = conversation.StateIdle
	return nil
}

func (f *fakeController) ConfirmLeave(context.Context) (session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.State = conversation.StateEnded
	return session.Outcome{SessionID: "s-1", Route: "/feedback", Elapsed: 11 * time.Minute, CreditForfeited: true}, nil
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Subscribe() <-chan session.Update { return f.updates }

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m Model, k string) (Model, tea.Msg) {
	t.Helper()
	updated, cmd := m.Update(key(k))
	model := updated.(Model)
	if cmd == nil {
		return model, nil
	}
	return model, cmd()
}

func TestSpaceTogglesRecording(t *testing.T) {
	f := newFakeController()
	m := New(f)
	_, msg := press(t, m, " ")
	if msg != nil {
		t.Fatalf("unexpected message %T", msg)
	}
	if f.toggles != 1 {
		t.Fatalf("expected one toggle, got %d", f.toggles)
	}
}

func TestCommandErrorIsShown(t *testing.T) {
	f := newFakeController()
	f.toggleErr = errors.New("microphone busy")
	m := New(f)
	m, msg := press(t, m, "r")
	updated, _ := m.Update(msg)
	view := updated.(Model).View()
	if !strings.Contains(view, "microphone busy") {
		t.Fatalf("expected error in view:\n%s", view)
	}
}

func TestUpdateRendersMessagesAndIndicators(t *testing.T) {
	f := newFakeController()
	m := New(f)
	snap := session.Snapshot{
		State: conversation.StateIdle,
		Messages: []conversation.Message{
			{Role: conversation.RoleAssistant, Text: conversation.DefaultGreeting, Final: true},
			{Role: conversation.RoleUser, Text: "Great, thanks", Final: true},
			{Role: conversation.RoleAssistant, Text: "Tell me about", Final: false},
		},
		Indicators: conversation.Indicators{Sending: true},
	}
	updated, cmd := m.Update(UpdateMsg{Update: session.Update{Reason: "reply_delta", Snapshot: snap}})
	if cmd == nil {
		t.Fatalf("expected to keep listening for updates")
	}
	view := updated.(Model).View()
	for _, want := range []string{"Interviewer", "You", "Great, thanks", "Tell me about", "typing"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestLeaveFlowConfirm(t *testing.T) {
	f := newFakeController()
	m := New(f)

	m, _ = press(t, m, "q")
	if f.leaves != 1 {
		t.Fatalf("expected leave request")
	}
	m.snap = f.Snapshot()
	if !strings.Contains(m.View(), session.LeaveWarning) {
		t.Fatalf("expected leave warning in view")
	}

	m, msg := press(t, m, "y")
	left, ok := msg.(LeftMsg)
	if !ok {
		t.Fatalf("expected LeftMsg, got %T", msg)
	}
	updated, cmd := m.Update(left)
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	final := updated.(Model)
	out, ok := final.Outcome()
	if !ok || !out.CreditForfeited {
		t.Fatalf("expected forfeited outcome, got %+v", out)
	}
	if !strings.Contains(final.View(), session.FeedbackPending) {
		t.Fatalf("expected hand-off copy:\n%s", final.View())
	}
}

func TestLeaveFlowDismiss(t *testing.T) {
	f := newFakeController()
	m := New(f)
	m, _ = press(t, m, "q")
	m.snap = f.Snapshot()
	_, _ = press(t, m, "n")
	if f.dismisses != 1 {
		t.Fatalf("expected dismiss")
	}
}

func TestClock(t *testing.T) {
	if got := clock(9*time.Minute + 59*time.Second + 900*time.Millisecond); got != "09:59" {
		t.Fatalf("unexpected clock %q", got)
	}
}
