// Package relay coalesces agent output lines into consolidated chat
// messages. Agents emit lines far faster than a chat API tolerates, so each
// channel gets a batcher that flushes on size or delay and paces sends.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
)

const (
	// DefaultMaxLines flushes the buffer as soon as this many lines queue up.
	DefaultMaxLines = 5
	// DefaultFlushDelay flushes the buffer this long after its first line.
	DefaultFlushDelay = 500 * time.Millisecond
	// DefaultMinSendInterval is the minimum spacing between sends per channel.
	DefaultMinSendInterval = 200 * time.Millisecond
)

// Sender delivers one consolidated message to a chat channel.
type Sender func(ctx context.Context, channelID, text string) error

// Batcher buffers output lines for a single channel. The first buffered
// line arms a flush timer; hitting the size limit flushes immediately. A
// worker goroutine performs the sends so pacing never blocks producers.
type Batcher struct {
	channelID string
	sender    Sender
	logger    *logger.Logger

	maxLines    int
	flushDelay  time.Duration
	minInterval time.Duration

	mu        sync.Mutex
	pending   []string
	timer     *time.Timer
	destroyed bool

	flushCh  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	lastSend time.Time
}

// NewBatcher creates and starts a batcher for one channel.
func NewBatcher(channelID string, sender Sender, log *logger.Logger) *Batcher {
	b := &Batcher{
		channelID:   channelID,
		sender:      sender,
		logger:      log.WithChannelID(channelID),
		maxLines:    DefaultMaxLines,
		flushDelay:  DefaultFlushDelay,
		minInterval: DefaultMinSendInterval,
		flushCh:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	b.wg.Add(1)
	go b.sendLoop()
	return b
}

// Add buffers one line. No-op after Destroy.
func (b *Batcher) Add(line string) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, line)
	first := len(b.pending) == 1
	full := len(b.pending) >= b.maxLines
	if first && !full {
		b.timer = time.AfterFunc(b.flushDelay, b.signalFlush)
	}
	b.mu.Unlock()

	if full {
		b.signalFlush()
	}
}

// Destroy stops the worker and drops anything still buffered. Further Adds
// are ignored and no timer outlives the call.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

func (b *Batcher) signalFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

func (b *Batcher) sendLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.flushCh:
			b.flush()
		}
	}
}

// flush drains the buffer and sends it as one message, sleeping out the
// remainder of the pacing interval first. Sender failures are logged and
// swallowed so the next push still works.
func (b *Batcher) flush() {
	if wait := b.minInterval - time.Since(b.lastSend); wait > 0 {
		select {
		case <-b.done:
			return
		case <-time.After(wait):
		}
	}

	b.mu.Lock()
	if b.destroyed || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	text := strings.Join(batch, "\n")
	if err := b.sender(context.Background(), b.channelID, text); err != nil {
		b.logger.Warn("failed to deliver batched output",
			zap.Int("lines", len(batch)),
			zap.Error(err))
	}
	b.lastSend = time.Now()
}
