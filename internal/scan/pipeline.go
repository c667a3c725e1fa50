// Package scan turns raw barcode input into a strictly serial stream of
// resolved codes.
//
// Input arrives from a keystroke buffer (a scanner acting as a keyboard) and
// from a cross-process inbox polled on an interval. Both feed one Pipeline,
// which drops repeats of the same code inside a short window and hands the
// rest to a Handler one at a time. A failing scan pauses the pipeline until
// the operator acknowledges the notice.
package scan

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/ident"
)

// DefaultDuplicateWindow is how long a repeated identical code is ignored.
const DefaultDuplicateWindow = 350 * time.Millisecond

// Handler resolves one scan. A returned error pauses the pipeline.
type Handler interface {
	HandleScan(ctx context.Context, code string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, code string) error

func (f HandlerFunc) HandleScan(ctx context.Context, code string) error { return f(ctx, code) }

// Notice is the blocking message shown after a failed scan.
type Notice struct {
	Code string
	Err  error
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithDuplicateWindow overrides DefaultDuplicateWindow. Zero disables suppression.
func WithDuplicateWindow(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.window = d }
}

// WithPipelineClock sets the clock used for duplicate suppression.
func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(p *Pipeline) { p.clock = c }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// WithNoticeHook is called with every notice as it is raised.
func WithNoticeHook(fn func(Notice)) PipelineOption {
	return func(p *Pipeline) { p.onNotice = fn }
}

// Pipeline is the serial scan queue.
type Pipeline struct {
	q        *queue
	handler  Handler
	clock    clock.Clock
	log      *zap.Logger
	window   time.Duration
	onNotice func(Notice)

	mu       sync.Mutex
	paused   bool
	notice   *Notice
	lastCode string
	lastAt   time.Time

	// work serializes handler calls between Run and Drain.
	work sync.Mutex
}

// NewPipeline creates a pipeline delivering to h.
func NewPipeline(h Handler, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		q:       newQueue(),
		handler: h,
		clock:   clock.New(),
		log:     zap.NewNop(),
		window:  DefaultDuplicateWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit normalizes and enqueues a code. It returns false when the code is
// empty, repeats the previous code inside the duplicate window, or the
// pipeline is closed.
func (p *Pipeline) Submit(raw string, src Source) bool {
	code := ident.NormalizeCode(raw)
	if code == "" {
		return false
	}
	now := p.clock.Now()

	p.mu.Lock()
	dup := p.window > 0 && code == p.lastCode && now.Sub(p.lastAt) < p.window
	p.lastCode, p.lastAt = code, now
	p.mu.Unlock()

	if dup {
		p.log.Debug("duplicate scan dropped", zap.String("code", code), zap.String("source", string(src)))
		return false
	}
	return p.q.enqueue(Item{Code: code, Source: src, At: now})
}

// Pause stops draining. Queued scans are kept.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume continues draining.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.q.wake()
}

// Acknowledge dismisses the current notice and resumes.
func (p *Pipeline) Acknowledge() {
	p.mu.Lock()
	p.notice = nil
	p.mu.Unlock()
	p.Resume()
}

// Paused reports whether draining is halted.
func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Notice returns the unacknowledged notice, if any.
func (p *Pipeline) Notice() (Notice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notice == nil {
		return Notice{}, false
	}
	return *p.notice, true
}

// Len returns the number of queued scans.
func (p *Pipeline) Len() int { return p.q.len() }

// ProcessNext resolves the oldest queued scan unless paused. It reports
// whether a scan was taken off the queue.
func (p *Pipeline) ProcessNext(ctx context.Context) bool {
	p.work.Lock()
	defer p.work.Unlock()

	if p.Paused() {
		return false
	}
	it, ok := p.q.tryDequeue()
	if !ok {
		return false
	}

	if err := p.handler.HandleScan(ctx, it.Code); err != nil {
		n := Notice{Code: it.Code, Err: err}
		p.mu.Lock()
		p.paused = true
		p.notice = &n
		p.mu.Unlock()
		p.log.Warn("scan failed, queue paused",
			zap.String("code", it.Code),
			zap.String("source", string(it.Source)),
			zap.Error(err))
		if p.onNotice != nil {
			p.onNotice(n)
		}
		return true
	}
	p.log.Debug("scan applied", zap.String("code", it.Code), zap.String("source", string(it.Source)))
	return true
}

// Drain processes queued scans until the queue is empty or paused and
// returns how many were taken.
func (p *Pipeline) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && p.ProcessNext(ctx) {
		n++
	}
	return n
}

// Run processes scans until ctx is done or the pipeline is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.ProcessNext(ctx) {
			continue
		}
		if p.q.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-p.q.wait():
			if !ok {
				return nil
			}
		}
	}
}

// Close stops accepting scans and ends Run.
func (p *Pipeline) Close() { p.q.close() }
