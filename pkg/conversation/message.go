package conversation

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry. Values are never mutated once stored;
// updates replace the entry in a fresh slice.
type Message struct {
	Role  Role
	Text  string
	Final bool
	At    time.Time
}

// DefaultGreeting opens every interview.
const DefaultGreeting = "Hello! I'm Sam, and I’ll be conducting your interview today. How are you doing?"

func appendMessage(list []Message, m Message) []Message {
	out := make([]Message, len(list), len(list)+1)
	copy(out, list)
	return append(out, m)
}

func replaceLast(list []Message, m Message) []Message {
	out := make([]Message, len(list))
	copy(out, list)
	out[len(out)-1] = m
	return out
}

// Transcript renders messages as "role: text" lines.
func Transcript(list []Message) string {
	var b strings.Builder
	for _, m := range list {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
