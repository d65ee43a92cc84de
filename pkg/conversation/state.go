package conversation

// State is the tagged interview state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
	StateSending
	StateSpeaking
	StateLeaveConfirm
	// StateHalted surfaces a lost transport; capture is stopped for good.
	StateHalted
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRecording:
		return "RECORDING"
	case StateProcessing:
		return "PROCESSING"
	case StateSending:
		return "SENDING"
	case StateSpeaking:
		return "SPEAKING"
	case StateLeaveConfirm:
		return "LEAVE_CONFIRM"
	case StateHalted:
		return "HALTED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateEnded }

// Mode selects how in-flight work is tracked.
type Mode int

const (
	// ModeConcurrent keeps the tagged state at Idle/Recording and tracks
	// transcript, reply and speech as independent indicators.
	ModeConcurrent Mode = iota
	// ModeSequential walks Processing, Sending and Speaking as tagged states.
	ModeSequential
)

func (m Mode) String() string {
	if m == ModeSequential {
		return "sequential"
	}
	return "concurrent"
}

// Indicators are the in-flight flags shown to the user.
type Indicators struct {
	Processing bool
	Sending    bool
	Speaking   bool
}

func (i Indicators) Busy() bool { return i.Processing || i.Sending || i.Speaking }

var validTransitions = map[State][]State{
	StateIdle:       {StateRecording, StateLeaveConfirm, StateHalted},
	StateRecording:  {StateIdle, StateProcessing, StateLeaveConfirm, StateHalted},
	StateProcessing: {StateSending, StateIdle, StateLeaveConfirm, StateHalted},
	StateSending:    {StateSpeaking, StateIdle, StateLeaveConfirm, StateHalted},
	StateSpeaking:   {StateIdle, StateRecording, StateLeaveConfirm, StateHalted},
	StateLeaveConfirm: {
		StateIdle, StateRecording, StateProcessing, StateSending, StateSpeaking,
		StateHalted, StateEnded,
	},
	StateHalted: {StateLeaveConfirm},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
