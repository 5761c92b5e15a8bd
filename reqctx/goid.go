package reqctx

import (
	"runtime"
	"strconv"
	"strings"
)

// goroutineID extracts the numeric goroutine id from the runtime stack
// trace header ("goroutine 123 [running]: ..."). It is the cheapest
// correct way to key a goroutine-local value in the absence of a
// language-level thread-local; it is called on every Current, Push and
// PushSilent; see stack.go.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	s = strings.TrimPrefix(s, "goroutine ")
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		s = s[:idx]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return id
}
