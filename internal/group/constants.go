package group

import "time"

const (
	// GuardWindow is how far past the timer deadline a tick reaches when
	// collecting due restarts, so near-simultaneous restarts share one wake-up
	GuardWindow = 250 * time.Millisecond

	roleSeparator = ","
)
