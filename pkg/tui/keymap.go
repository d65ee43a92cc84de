package tui

// Key bindings handled by handleKey.
const (
	KeySpace = " "
	KeyR     = "r"
	KeyQuit  = "q"
	KeyEsc   = "esc"
	KeyYes   = "y"
	KeyEnter = "enter"
	KeyNo    = "n"
	KeyCtrlC = "ctrl+c"
	KeyUp    = "up"
	KeyDown  = "down"
	KeyK     = "k"
	KeyJ     = "j"
)
