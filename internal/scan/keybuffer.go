package scan

import (
	"sync"
	"time"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/ident"
)

// DefaultQuietPeriod ends a keystroke burst when no key arrives for this long.
const DefaultQuietPeriod = 180 * time.Millisecond

// KeyBuffer collects keystrokes from a keyboard-wedge scanner. A burst is
// finalized after the quiet period or on a line terminator. Bursts shorter
// than the minimum code length are discarded as stray typing.
type KeyBuffer struct {
	mu     sync.Mutex
	buf    []rune
	timer  clock.Timer
	gen    uint64
	clock  clock.Clock
	quiet  time.Duration
	minLen int
	sink   func(code string)
}

// NewKeyBuffer creates a buffer delivering finalized codes to sink.
// Non-positive quiet or minLen select the defaults.
func NewKeyBuffer(sink func(code string), c clock.Clock, quiet time.Duration, minLen int) *KeyBuffer {
	if c == nil {
		c = clock.New()
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if minLen <= 0 {
		minLen = ident.DefaultMinCodeLength
	}
	return &KeyBuffer{clock: c, quiet: quiet, minLen: minLen, sink: sink}
}

// Feed appends keystrokes.
func (b *KeyBuffer) Feed(keys string) {
	for _, r := range keys {
		switch r {
		case '\r', '\n', '\t':
			b.Flush()
			continue
		}
		b.mu.Lock()
		b.buf = append(b.buf, r)
		b.armLocked()
		b.mu.Unlock()
	}
}

func (b *KeyBuffer) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.quiet, func() { b.expire(gen) })
}

func (b *KeyBuffer) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	code := b.takeLocked()
	b.mu.Unlock()
	b.deliver(code)
}

// Flush finalizes the current burst immediately.
func (b *KeyBuffer) Flush() {
	b.mu.Lock()
	code := b.takeLocked()
	b.mu.Unlock()
	b.deliver(code)
}

func (b *KeyBuffer) takeLocked() string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	code := string(b.buf)
	b.buf = b.buf[:0]
	return code
}

func (b *KeyBuffer) deliver(raw string) {
	code := ident.NormalizeCode(raw)
	if !ident.ValidCode(code, b.minLen) {
		return
	}
	b.sink(code)
}
