package tui

import "github.com/harunnryd/parley/pkg/session"

// UpdateMsg carries one session update into the program.
type UpdateMsg struct {
	Update session.Update
}

// UpdatesClosedMsg is sent when the session stops publishing.
type UpdatesClosedMsg struct{}

// CommandErrorMsg reports a rejected or failed command.
type CommandErrorMsg struct {
	Op  string
	Err error
}

// LeftMsg is sent once leaving has been confirmed and the outcome handed off.
type LeftMsg struct {
	Outcome session.Outcome
	Err     error
}

// TickMsg refreshes the elapsed clock.
type TickMsg struct{}
