package scanner

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/intel-engine/internal/engine"
)

// PassRunner is the part of the engine the rescanner drives.
type PassRunner interface {
	RunPass(ctx context.Context, progress func(done, failed, total int)) (engine.PassReport, error)
}

// Rescanner runs full registry passes in the background: on demand from the
// API and, optionally, on a fixed interval. Progress is readable at any time.
type Rescanner struct {
	runner PassRunner

	// Progress tracking (atomic for safe concurrent reads)
	isRunning atomic.Bool
	done      atomic.Int64
	failed    atomic.Int64
	total     atomic.Int64
	passes    atomic.Int64

	mu      sync.Mutex
	last    *engine.PassReport
	lastErr string
}

// RescanProgress is the rescanner state for the API.
type RescanProgress struct {
	IsRunning bool               `json:"isRunning"`
	Done      int64              `json:"done"`
	Failed    int64              `json:"failed"`
	Total     int64              `json:"total"`
	PassesRun int64              `json:"passesRun"`
	LastPass  *engine.PassReport `json:"lastPass,omitempty"`
	LastError string             `json:"lastError,omitempty"`
}

func NewRescanner(runner PassRunner) *Rescanner {
	return &Rescanner{runner: runner}
}

// GetProgress returns the current progress (thread-safe).
func (s *Rescanner) GetProgress() RescanProgress {
	s.mu.Lock()
	last, lastErr := s.last, s.lastErr
	s.mu.Unlock()
	return RescanProgress{
		IsRunning: s.isRunning.Load(),
		Done:      s.done.Load(),
		Failed:    s.failed.Load(),
		Total:     s.total.Load(),
		PassesRun: s.passes.Load(),
		LastPass:  last,
		LastError: lastErr,
	}
}

// Start launches a pass asynchronously. It returns false when one is
// already running.
func (s *Rescanner) Start(ctx context.Context) bool {
	if !s.isRunning.CompareAndSwap(false, true) {
		log.Println("[Rescan] Pass already in progress, ignoring duplicate request")
		return false
	}
	go func() {
		defer s.isRunning.Store(false)
		s.run(ctx)
	}()
	return true
}

// RunNow runs a pass synchronously. It returns false when one is already
// running.
func (s *Rescanner) RunNow(ctx context.Context) bool {
	if !s.isRunning.CompareAndSwap(false, true) {
		return false
	}
	defer s.isRunning.Store(false)
	s.run(ctx)
	return true
}

func (s *Rescanner) run(ctx context.Context) {
	s.done.Store(0)
	s.failed.Store(0)
	s.total.Store(0)

	report, err := s.runner.RunPass(ctx, func(done, failed, total int) {
		s.done.Store(int64(done))
		s.failed.Store(int64(failed))
		s.total.Store(int64(total))
		if done%1000 == 0 || done == total {
			log.Printf("[Rescan] Progress: %d/%d addresses | %d failed", done, total, failed)
		}
	})
	s.passes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &report
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
		log.Printf("[Rescan] Pass %d stopped: %v", report.Seq, err)
	}
}

// RunEvery starts a pass every interval until ctx is done. Ticks that land
// while a pass is still running are skipped.
func (s *Rescanner) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	log.Printf("[Rescan] Scheduled passes every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Rescan] Scheduler stopped")
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}
