package dl

import (
	"context"
	"log/slog"

	"github.com/cognusion/semaphore"
	"golang.org/x/sync/errgroup"
)

// DefaultFleetConcurrency bounds how many Coordinators the Bulk Runner
// lets run at once, independent of each Coordinator's own max_parts.
const DefaultFleetConcurrency = 4

// RunnerConfig is shared across every URL a BulkRunner drives; per-URL
// Coordinators are built from it plus that URL.
type RunnerConfig struct {
	OutputPath       string
	Resume           bool
	MaxParts         int
	MinPartMB        uint64
	ChunkSize        int
	FleetConcurrency int

	Transport  Transport
	NewTracker func(url string) Tracker
	Log        *slog.Logger
}

// BulkRunner is the Bulk Runner of spec §4.7: it runs one Coordinator per
// URL on a shared task executor, bounded by a fleet-level semaphore, and
// returns DownloadResponse in input order regardless of completion order.
type BulkRunner struct {
	cfg RunnerConfig
}

// NewBulkRunner builds a BulkRunner from cfg, applying defaults.
func NewBulkRunner(cfg RunnerConfig) *BulkRunner {
	if cfg.FleetConcurrency <= 0 {
		cfg.FleetConcurrency = DefaultFleetConcurrency
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.NewTracker == nil {
		cfg.NewTracker = func(string) Tracker { return noopTracker{} }
	}
	return &BulkRunner{cfg: cfg}
}

// Run fetches every URL in urls, each through its own Downloader, and
// returns results in the same order as urls. A cancelled ctx aborts every
// in-flight Coordinator; already-completed ones keep their result.
func (br *BulkRunner) Run(ctx context.Context, urls []string) []DownloadResponse {
	results := make([]DownloadResponse, len(urls))
	sem := semaphore.NewSemaphore(br.cfg.FleetConcurrency)

	group, gctx := errgroup.WithContext(ctx)

	for i, u := range urls {
		i, u := i, u
		group.Go(func() error {
			sem.Lock()
			defer sem.Unlock()

			downloader, err := NewDownloader(CoordinatorConfig{
				URL:        u,
				OutputPath: br.cfg.OutputPath,
				Resume:     br.cfg.Resume,
				MaxParts:   br.cfg.MaxParts,
				MinPartMB:  br.cfg.MinPartMB,
				ChunkSize:  br.cfg.ChunkSize,
				Transport:  br.cfg.Transport,
				Tracker:    br.cfg.NewTracker(u),
				Log:        br.cfg.Log,
			})
			if err != nil {
				results[i] = DownloadResponse{URL: u, Status: StatusError, Err: err}
				return nil
			}

			results[i] = downloader.Fetch(gctx)
			return nil
		})
	}

	// group.Wait's error is always nil here: per-URL failures are
	// reported through DownloadResponse.Status, not propagated as a
	// fatal error that would cancel sibling URLs.
	_ = group.Wait()

	return results
}
