package session

import "time"

// wallClock is the single seam separating this package's one legitimate
// wall-clock read (stamping a proposed entry) from the deterministic-clock
// rule that governs everything downstream of commit (advanceClockLocked).
// Tests substitute this to make expiration deterministic.
var wallClock = func() int64 {
	return time.Now().UnixMilli()
}
