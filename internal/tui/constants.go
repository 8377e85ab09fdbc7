package tui

const (
	// Layout
	DefaultPaddingX  = 1
	DefaultPaddingY  = 0
	MinWidth         = 40
	ProgressBarWidth = 50
	GraphHeight      = 5
	MaxVisibleFiles  = 12

	// Speed samples kept for the graph
	SpeedHistoryLength = 120

	// Units
	Megabyte = 1024.0 * 1024.0
)
