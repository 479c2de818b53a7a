package wal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sombra-db/sombra/internal/dberr"
)

// ───────────────────────────────────────────────────────────────────────────
// Group commit
// ───────────────────────────────────────────────────────────────────────────
//
// The committer accepts (frames, syncMode) work items on a queue drained by
// a single worker goroutine. The worker coalesces up to MaxBatchCommits
// requests or MaxBatchFrames frames (whichever fills first), waiting up to
// MaxBatchWait for stragglers, then appends the whole batch with one
// vectored call. One fsync covers the batch when any request asked for
// Immediate sync. Every request gets its own completion signal.

// SyncMode selects the durability behavior of a commit.
type SyncMode uint8

const (
	// SyncImmediate fsyncs the batch before completing its tickets.
	SyncImmediate SyncMode = iota
	// SyncDeferred schedules a debounced background sync.
	SyncDeferred
	// SyncOff never fsyncs. Unsafe; data loss on power failure.
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncImmediate:
		return "immediate"
	case SyncDeferred:
		return "deferred"
	case SyncOff:
		return "off"
	default:
		return "unknown"
	}
}

// CommitConfig tunes the batcher.
type CommitConfig struct {
	MaxBatchCommits int           // max coalesced requests per batch
	MaxBatchFrames  int           // max coalesced frames per batch
	MaxBatchWait    time.Duration // how long to wait for more arrivals
	DeferredDelay   time.Duration // debounce for SyncDeferred
}

// DefaultCommitConfig returns the standard batcher tuning.
func DefaultCommitConfig() CommitConfig {
	return CommitConfig{
		MaxBatchCommits: 32,
		MaxBatchFrames:  512,
		MaxBatchWait:    2 * time.Millisecond,
		DeferredDelay:   10 * time.Millisecond,
	}
}

type commitRequest struct {
	frames []Frame
	mode   SyncMode
	done   chan error
}

// Ticket is the caller's handle on an enqueued commit.
type Ticket struct {
	done chan error
}

// Wait blocks until the commit completes and returns its outcome.
func (t *Ticket) Wait() error { return <-t.done }

// Committer owns the worker goroutine that serializes WAL appends.
type Committer struct {
	wal *WAL
	log zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*commitRequest
	cfg     CommitConfig
	closed  bool
	failed  error // sticky after a worker error
	pending error // deferred-sync error surfaced on next enqueue

	deferredTimer *time.Timer
	wg            sync.WaitGroup
}

// NewCommitter starts the worker.
func NewCommitter(w *WAL, cfg CommitConfig, log zerolog.Logger) *Committer {
	if cfg.MaxBatchCommits <= 0 {
		cfg.MaxBatchCommits = DefaultCommitConfig().MaxBatchCommits
	}
	if cfg.MaxBatchFrames <= 0 {
		cfg.MaxBatchFrames = DefaultCommitConfig().MaxBatchFrames
	}
	if cfg.DeferredDelay <= 0 {
		cfg.DeferredDelay = DefaultCommitConfig().DeferredDelay
	}
	c := &Committer{wal: w, cfg: cfg, log: log}
	c.cond = sync.NewCond(&c.mu)
	c.wg.Add(1)
	go c.run()
	return c
}

// Enqueue adds a commit to the queue and returns its ticket. A deferred-sync
// error from an earlier batch surfaces here.
func (c *Committer) Enqueue(frames []Frame, mode SyncMode) (*Ticket, error) {
	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	if c.closed {
		c.mu.Unlock()
		return nil, dberr.Invalid("wal committer closed")
	}
	if c.pending != nil {
		err := c.pending
		c.pending = nil
		c.mu.Unlock()
		return nil, err
	}
	req := &commitRequest{frames: frames, mode: mode, done: make(chan error, 1)}
	c.queue = append(c.queue, req)
	c.cond.Signal()
	c.mu.Unlock()
	return &Ticket{done: req.done}, nil
}

// Commit is Enqueue followed by Wait.
func (c *Committer) Commit(frames []Frame, mode SyncMode) error {
	t, err := c.Enqueue(frames, mode)
	if err != nil {
		return err
	}
	return t.Wait()
}

// Close stops the worker after draining the queue.
func (c *Committer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.deferredTimer != nil {
		c.deferredTimer.Stop()
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Committer) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		batch := c.takeBatchLocked()
		c.mu.Unlock()

		// Give stragglers a moment to coalesce, then grab what arrived.
		if c.cfg.MaxBatchWait > 0 && len(batch) < c.cfg.MaxBatchCommits {
			time.Sleep(c.cfg.MaxBatchWait)
			c.mu.Lock()
			batch = append(batch, c.takeBatchSpaceLocked(len(batch))...)
			c.mu.Unlock()
		}

		if err := c.processBatch(batch); err != nil {
			// Fail the remaining queue with the same error and exit.
			c.mu.Lock()
			c.failed = err
			rest := c.queue
			c.queue = nil
			c.mu.Unlock()
			for _, r := range rest {
				r.done <- err
			}
			c.log.Error().Err(err).Msg("wal committer worker exiting")
			return
		}
	}
}

// takeBatchLocked pops requests up to the commit and frame limits.
func (c *Committer) takeBatchLocked() []*commitRequest {
	return c.takeBatchSpaceLocked(0)
}

func (c *Committer) takeBatchSpaceLocked(already int) []*commitRequest {
	var out []*commitRequest
	frames := 0
	for len(c.queue) > 0 {
		if already+len(out) >= c.cfg.MaxBatchCommits {
			break
		}
		next := c.queue[0]
		if len(out) > 0 && frames+len(next.frames) > c.cfg.MaxBatchFrames {
			break
		}
		out = append(out, next)
		frames += len(next.frames)
		c.queue = c.queue[1:]
	}
	return out
}

func (c *Committer) processBatch(batch []*commitRequest) error {
	if len(batch) == 0 {
		return nil
	}
	var all []Frame
	needSync := false
	wantDeferred := false
	for _, r := range batch {
		all = append(all, r.frames...)
		switch r.mode {
		case SyncImmediate:
			needSync = true
		case SyncDeferred:
			wantDeferred = true
		}
	}
	if err := c.wal.AppendFrames(all); err != nil {
		for _, r := range batch {
			r.done <- err
		}
		return err
	}
	if needSync {
		if err := c.wal.Sync(); err != nil {
			for _, r := range batch {
				r.done <- err
			}
			return err
		}
	} else if wantDeferred {
		c.scheduleDeferredSync()
	}
	for _, r := range batch {
		r.done <- nil
	}
	return nil
}

// scheduleDeferredSync arms (or re-arms) the debounced background sync so a
// burst of deferred commits shares one fsync.
func (c *Committer) scheduleDeferredSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.deferredTimer != nil {
		c.deferredTimer.Stop()
	}
	c.deferredTimer = time.AfterFunc(c.cfg.DeferredDelay, func() {
		if err := c.wal.Sync(); err != nil {
			c.mu.Lock()
			c.pending = err
			c.mu.Unlock()
			c.log.Error().Err(err).Msg("deferred wal sync failed")
		}
	})
}
