package devserver

import (
	"fmt"
	"strings"
	"sync"
)

var defaultQuestions = []string{
	"Thanks for sharing. Can you walk me through a project you are proud of?",
	"What was the hardest technical problem on that project, and how did you solve it?",
	"How do you decide when a piece of code is ready to ship?",
	"Tell me about a time you disagreed with a teammate. What happened?",
	"Where would you like to grow over the next year?",
	"That covers my questions. Is there anything you would like to ask me?",
}

// Interviewer produces scripted replies. Each connection or room peer gets
// its own script position; the REST legs share one.
type Interviewer struct {
	questions []string

	mu   sync.Mutex
	next int
}

func NewInterviewer(questions []string) *Interviewer {
	if len(questions) == 0 {
		questions = defaultQuestions
	}
	return &Interviewer{questions: append([]string(nil), questions...)}
}

// Reply returns the next question, acknowledging what was heard. The script
// repeats its last line once exhausted.
func (iv *Interviewer) Reply(transcript string) string {
	iv.mu.Lock()
	q := iv.questions[iv.next]
	if iv.next < len(iv.questions)-1 {
		iv.next++
	}
	iv.mu.Unlock()

	heard := strings.TrimSpace(transcript)
	if heard == "" {
		return q
	}
	return fmt.Sprintf("I heard: %q. %s", clip(heard, 80), q)
}

// Deltas splits a reply into word-sized streaming pieces that concatenate
// back to the original text.
func Deltas(reply string) []string {
	words := strings.SplitAfter(reply, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
