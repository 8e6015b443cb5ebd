package releaselog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline is the log pipeline: one consumer goroutine draining a channel
// fed by driver workers (line producers), committing a block when the
// buffer exceeds MaxBlockBytes or a 1-second ticker fires with a non-empty
// buffer. A stdlib time.Ticker only ever buffers one pending tick, which
// collapses missed ticks automatically — no extra bookkeeping needed.
//
// The channel is sized generously rather than truly unbounded (Go has no
// unbounded channel primitive); Emit drops and logs rather than block the
// driver's stdio reader if a pipeline is ever driven faster than Postgres can
// absorb blocks.
type Pipeline struct {
	reg           *Registry
	attempt       uuid.UUID
	releaseID     int64
	destinationID int64
	logger        *slog.Logger
	onLine        func(Line)

	lines chan Line
	seq   int
	wg    sync.WaitGroup
}

// NewPipeline builds a Pipeline. onLine, if non-nil, is invoked synchronously
// from the consumer goroutine for every line as it is buffered — the RPC
// surface's WaitRelease subscribers hook in here, and see a destination's
// log lines before its terminal status update.
func NewPipeline(reg *Registry, attempt uuid.UUID, releaseID, destinationID int64, logger *slog.Logger, onLine func(Line)) *Pipeline {
	return &Pipeline{
		reg:           reg,
		attempt:       attempt,
		releaseID:     releaseID,
		destinationID: destinationID,
		logger:        logger,
		onLine:        onLine,
		lines:         make(chan Line, 4096),
	}
}

// Run starts the consumer goroutine. ctx cancellation flushes any pending
// buffer and stops the consumer.
func (p *Pipeline) Run(ctx context.Context) {
	p.wg.Add(1)
	go p.consume(ctx)
}

// Emit enqueues one log line from a driver worker.
func (p *Pipeline) Emit(channel Channel, line string) {
	select {
	case p.lines <- Line{Channel: channel, Line: line, TimestampMS: time.Now().UnixMilli()}:
	default:
		p.logger.Warn("log pipeline buffer full, dropping line", "channel", channel)
	}
}

// Close signals no more lines will be emitted, flushes any pending buffer,
// and waits for the consumer to exit.
func (p *Pipeline) Close() {
	close(p.lines)
	p.wg.Wait()
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var buf []Line

	flush := func() {
		if len(buf) == 0 {
			return
		}
		// Use a context decoupled from ctx: a cancelled driver run should
		// still persist whatever was already buffered.
		if err := p.reg.InsertLogBlock(context.Background(), p.attempt, p.releaseID, p.destinationID, buf, p.seq); err != nil {
			p.logger.Error("flushing log block", "error", err, "sequence", p.seq)
		} else {
			p.seq++
		}
		buf = buf[:0]
	}

	for {
		select {
		case l, ok := <-p.lines:
			if !ok {
				flush()
				return
			}
			buf = append(buf, l)
			if p.onLine != nil {
				p.onLine(l)
			}
			if BlockSize(buf) >= MaxBlockBytes {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
