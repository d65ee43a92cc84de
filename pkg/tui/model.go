// Package tui is the terminal front end of an interview session.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/harunnryd/parley/pkg/conversation"
	"github.com/harunnryd/parley/pkg/session"
)

// Controller is the part of session.Controller the view drives.
type Controller interface {
	ToggleRecording(ctx context.Context) error
	RequestLeave(ctx context.Context) error
	DismissLeave(ctx context.Context) error
	ConfirmLeave(ctx context.Context) (session.Outcome, error)
	Snapshot() session.Snapshot
	Subscribe() <-chan session.Update
}

type Model struct {
	ctrl    Controller
	updates <-chan session.Update
	timeout time.Duration

	snap    session.Snapshot
	outcome *session.Outcome
	errText string
	busy    bool

	width  int
	height int
	scroll int
	live   bool
}

func New(ctrl Controller) Model {
	return Model{
		ctrl:    ctrl,
		updates: ctrl.Subscribe(),
		snap:    ctrl.Snapshot(),
		timeout: 30 * time.Second,
		live:    true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func waitForUpdate(ch <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		up, ok := <-ch
		if !ok {
			return UpdatesClosedMsg{}
		}
		return UpdateMsg{Update: up}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return TickMsg{} })
}

func (m Model) command(op string, fn func(context.Context) error) tea.Cmd {
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			return CommandErrorMsg{Op: op, Err: err}
		}
		return nil
	}
}

func (m Model) confirmCmd() tea.Cmd {
	ctrl, timeout := m.ctrl, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		out, err := ctrl.ConfirmLeave(ctx)
		return LeftMsg{Outcome: out, Err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case UpdateMsg:
		m.snap = msg.Update.Snapshot
		if m.live {
			m.scroll = 0
		}
		return m, waitForUpdate(m.updates)

	case UpdatesClosedMsg:
		m.snap = m.ctrl.Snapshot()
		return m, nil

	case CommandErrorMsg:
		m.errText = msg.Err.Error()
		m.snap = m.ctrl.Snapshot()
		return m, nil

	case LeftMsg:
		m.busy = false
		if msg.Err != nil && msg.Outcome.SessionID == "" {
			m.errText = msg.Err.Error()
			return m, nil
		}
		out := msg.Outcome
		m.outcome = &out
		m.snap = m.ctrl.Snapshot()
		return m, tea.Quit

	case TickMsg:
		if m.outcome != nil {
			return m, nil
		}
		m.snap = m.ctrl.Snapshot()
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if m.outcome != nil || m.busy {
		if key == KeyCtrlC {
			return m, tea.Quit
		}
		return m, nil
	}

	if m.snap.State == conversation.StateLeaveConfirm {
		switch key {
		case KeyYes, KeyEnter:
			m.busy = true
			return m, m.confirmCmd()
		case KeyNo, KeyEsc, KeyQuit:
			return m, m.command("dismiss", m.ctrl.DismissLeave)
		case KeyCtrlC:
			return m, tea.Quit
		}
		return m, nil
	}

	switch key {
	case KeyCtrlC:
		return m, tea.Quit
	case KeySpace, KeyR:
		m.errText = ""
		return m, m.command("toggle", m.ctrl.ToggleRecording)
	case KeyQuit, KeyEsc:
		return m, m.command("leave", m.ctrl.RequestLeave)
	case KeyUp, KeyK:
		m.live = false
		m.scroll++
	case KeyDown, KeyJ:
		if m.scroll > 0 {
			m.scroll--
		}
		if m.scroll == 0 {
			m.live = true
		}
	}
	return m, nil
}

// Outcome is set once the session has ended.
func (m Model) Outcome() (session.Outcome, bool) {
	if m.outcome == nil {
		return session.Outcome{}, false
	}
	return *m.outcome, true
}
