package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID returns the numeric ID of the calling goroutine, or -1 if it cannot be
// determined. Lockers use it as the thread identity that is unset while a
// locker is stashed and rebound when the locker is installed on an operation
// context again.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
