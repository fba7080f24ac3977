package dl

import "go.uber.org/atomic"

// Tracker is the progress-aggregation sink a Coordinator reports byte and
// part events to. It is internally synchronized: updates are commutative
// counters, safe to call concurrently from every in-flight part worker.
// Rendering (a terminal progress bar, a log line, nothing at all) is the
// caller's concern — see cmd/dl/progress.go for the pluggable
// progressbar-backed implementation.
type Tracker interface {
	SetTotal(total uint64)
	SetDownloaded(downloaded uint64)
	AddDownloaded(delta uint64)
	PartCompleted()
	SetTotalParts(n int)
	Snapshot() ProgressSnapshot
	Done()
}

// counterTracker is the default, renderer-agnostic Tracker: it maintains
// the counters a ProgressSnapshot needs and nothing else. CLI surfaces
// wrap or replace it with something that also draws a bar.
type counterTracker struct {
	total          atomic.Uint64
	hasTotal       atomic.Bool
	downloaded     atomic.Uint64
	completedParts atomic.Int64
	totalParts     atomic.Int64
}

// NewTracker returns the default in-memory Tracker.
func NewTracker() Tracker {
	return &counterTracker{}
}

func (c *counterTracker) SetTotal(total uint64) {
	c.total.Store(total)
	c.hasTotal.Store(true)
}

func (c *counterTracker) SetDownloaded(downloaded uint64) {
	c.downloaded.Store(downloaded)
}

func (c *counterTracker) AddDownloaded(delta uint64) {
	c.downloaded.Add(delta)
}

func (c *counterTracker) PartCompleted() {
	c.completedParts.Add(1)
}

func (c *counterTracker) SetTotalParts(n int) {
	c.totalParts.Store(int64(n))
}

func (c *counterTracker) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		TotalBytes:      c.total.Load(),
		HasTotal:        c.hasTotal.Load(),
		DownloadedBytes: c.downloaded.Load(),
		CompletedParts:  int(c.completedParts.Load()),
		TotalParts:      int(c.totalParts.Load()),
	}
}

func (c *counterTracker) Done() {}

// noopTracker discards every event; used when a Downloader/BulkRunner
// caller doesn't supply one.
type noopTracker struct{}

func (noopTracker) SetTotal(uint64)      {}
func (noopTracker) SetDownloaded(uint64) {}
func (noopTracker) AddDownloaded(uint64) {}
func (noopTracker) PartCompleted()       {}
func (noopTracker) SetTotalParts(int)    {}
func (noopTracker) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{}
}
func (noopTracker) Done() {}
