// Package ids produces globally unique, time-ordered identifiers without
// coordination between processes. Generation never fails: when the clock
// resolution is insufficient or the clock steps backwards, the per-process
// counter and the random suffix absorb collisions.
package ids

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	mu       sync.Mutex
	lastTick int64
	counter  uint32
	nowFn    = func() int64 { return time.Now().UnixNano() }
)

// counterWidth holds the largest uint32 in base36, so the counter segment is
// fixed-width and lexical order within a tick matches numeric order.
const counterWidth = 7

// New returns a fresh identifier. The layout is
//
//	<unix-nanos base36>-<counter base36, zero-padded>-<uuid prefix>
//
// so lexical order tracks creation time in the common case, IDs generated in
// the same nanosecond tick differ by counter, and IDs from independent
// processes differ by the uuid-derived suffix.
func New() string {
	mu.Lock()
	tick := nowFn()
	if tick <= lastTick {
		// Clock did not advance (or stepped back): keep the last tick so
		// ordering stays monotonic within this process.
		tick = lastTick
		counter++
	} else {
		lastTick = tick
		counter = 0
	}
	c := counter
	mu.Unlock()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	c36 := strconv.FormatUint(uint64(c), 36)
	c36 = strings.Repeat("0", counterWidth-len(c36)) + c36
	return strconv.FormatInt(tick, 36) + "-" + c36 + "-" + suffix
}
