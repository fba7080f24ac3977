package dl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cognusion/go-sequence"
	"golang.org/x/sync/errgroup"
)

var seq = sequence.New(0)

const (
	// DefaultMaxParts bounds the number of concurrent ranges per URL
	// (spec §4.6, "plan length capped by max_parts").
	DefaultMaxParts = 8
	// DefaultMinPartMB is the planner's minimum part size in megabytes.
	DefaultMinPartMB = 8
	// journalSaveInterval is the coordinator's periodic-save cadence
	// (spec §4.4: "every 5 s").
	journalSaveInterval = 5 * time.Second
)

// CoordinatorConfig is the per-URL configuration a Downloader needs
// before it can run; everything below DownloadInfo-dependent fields is
// resolved eagerly.
type CoordinatorConfig struct {
	URL string

	// OutputPath is either a destination file path or an existing
	// directory; a directory gets the resolved filename appended. Empty
	// means "CWD joined with the resolved filename".
	OutputPath string

	Resume    bool
	MaxParts  int
	MinPartMB uint64
	ChunkSize int

	Transport Transport
	Tracker   Tracker
	Log       *slog.Logger
}

// Downloader is the Download Coordinator of spec §4.6: it drives one URL
// through Init -> Probed -> Prepared -> Streaming -> Finalizing ->
// Done|Failed, owning the destination file, its journal, and its worker
// fleet.
type Downloader struct {
	cfg CoordinatorConfig
	id  string

	info        DownloadInfo
	destination string
	journal     *Journal
	plan        Plan
}

// NewDownloader prepares a Coordinator for cfg. It performs no I/O; call
// Fetch to run the state machine.
func NewDownloader(cfg CoordinatorConfig) (*Downloader, error) {
	if cfg.URL == "" {
		return nil, newError(KindValidate, "coordinator.new", fmt.Errorf("url is required"))
	}
	if cfg.Transport == nil {
		return nil, newError(KindValidate, "coordinator.new", fmt.Errorf("transport is required"))
	}
	if cfg.Tracker == nil {
		cfg.Tracker = noopTracker{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxParts <= 0 {
		cfg.MaxParts = DefaultMaxParts
	}
	if cfg.MinPartMB == 0 {
		cfg.MinPartMB = DefaultMinPartMB
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultBufferSize
	}

	return &Downloader{cfg: cfg, id: seq.NextHashID()}, nil
}

// Fetch runs the full state machine and returns the terminal
// DownloadResponse. It never panics on a failed download: every
// terminal state, including Failed, is reported through the returned
// value, not an error return.
func (d *Downloader) Fetch(ctx context.Context) DownloadResponse {
	log := d.cfg.Log.With("download_id", d.id, "url", d.cfg.URL)

	// Init -> Probed
	info, err := d.cfg.Transport.Head(ctx, d.cfg.URL)
	if err != nil {
		log.Error("head failed", "err", err)
		return d.failed(err)
	}
	d.info = info
	log.Info("probed", "size", info.Size, "has_size", info.HasSize, "name", info.Name)

	// Probed -> Prepared
	if err := d.prepare(ctx); err != nil {
		log.Error("prepare failed", "err", err)
		return d.failed(err)
	}

	if !d.info.HasSize {
		// Size-unknown path (spec §4.6): skip the planner, stream
		// sequentially, no journal.
		if err := d.fetchUnknownSize(ctx, log); err != nil {
			log.Error("stream failed", "err", err)
			return d.failed(err)
		}
		return d.succeeded()
	}

	// Prepared -> Streaming -> Finalizing
	if err := d.fetchKnownSize(ctx, log); err != nil {
		log.Error("streaming failed", "err", err)
		return d.failed(err)
	}

	return d.succeeded()
}

// prepare resolves the destination path, creates parent directories,
// opens (or creates/truncates) the destination file, preallocates it
// when the size is known, and loads or initializes the journal.
func (d *Downloader) prepare(ctx context.Context) error {
	name := d.info.Name
	if name == "" {
		name = resolveName(ctx, d.cfg.Transport, d.cfg.URL, d.info)
	} else {
		name = sanitizeFilename(name)
	}

	d.destination = resolveDestination(d.cfg.OutputPath, name)

	dir := filepath.Dir(d.destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newError(KindStorage, "coordinator.prepare", err)
	}

	jPath := journalPath(d.destination)

	if d.cfg.Resume {
		if j, err := LoadJournal(jPath); err == nil && j != nil {
			// Open Question #2 (SPEC_FULL.md §6): verify the existing
			// destination length matches the journal's recorded total
			// (and the server-reported size, when known) before trusting
			// it for resume.
			if stat, statErr := os.Stat(d.destination); statErr == nil {
				size := uint64(stat.Size())
				if size != j.TotalSize() || (d.info.HasSize && size != d.info.Size) {
					return newError(KindStorage, "coordinator.prepare",
						fmt.Errorf("destination size %d does not match journal total %d (server reports %d), refusing to resume",
							size, j.TotalSize(), d.info.Size))
				}
				d.journal = j
			}
		} else if err != nil {
			return err
		}
	}

	flags := os.O_RDWR | os.O_CREATE
	if d.journal == nil {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(d.destination, flags, 0o644)
	if err != nil {
		return newError(KindStorage, "coordinator.prepare", err)
	}
	file.Close()

	if d.info.HasSize {
		file, err := os.OpenFile(d.destination, os.O_RDWR, 0o644)
		if err != nil {
			return newError(KindStorage, "coordinator.prepare", err)
		}
		allocErr := d.preallocate(file)
		closeErr := file.Close()
		if allocErr != nil {
			return allocErr
		}
		if closeErr != nil {
			return newError(KindStorage, "coordinator.prepare", closeErr)
		}
	}

	if d.journal == nil {
		d.journal = NewJournal(jPath, name, d.info.Size)
	}

	d.cfg.Tracker.SetTotal(d.info.Size)
	if d.cfg.Resume {
		d.cfg.Tracker.SetDownloaded(d.journal.CompletedBytes())
	}

	return nil
}

// preallocate sizes file to the download's known total up front, so a
// worker never has to grow the file under a concurrent sibling's write.
// On platforms where it's cheap, it seeks to the last byte and writes a
// single zero there, which grows the file as a sparse hole instead of
// forcing total_size bytes of zero-fill I/O; elsewhere (or if the sparse
// trick fails) it falls back to a plain Truncate. Either way a failure is
// propagated as KindStorage rather than left for a worker to discover as
// a corrupt short file.
func (d *Downloader) preallocate(file *os.File) error {
	size := int64(d.info.Size)

	if d.sparseAllocationSupported() {
		if err := sparseAllocate(file, size); err == nil {
			return nil
		}
	}

	if err := file.Truncate(size); err != nil {
		return newError(KindStorage, "coordinator.prepare", err)
	}
	return nil
}

// sparseAllocationSupported reports whether the destination's OS is one
// where seek-past-end-and-write-one-byte reliably creates a sparse hole
// rather than physically zero-filling the gap.
func (d *Downloader) sparseAllocationSupported() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

func sparseAllocate(file *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	if _, err := file.Seek(size-1, io.SeekStart); err != nil {
		return fmt.Errorf("seek to last byte: %w", err)
	}
	if _, err := file.Write([]byte{0}); err != nil {
		return fmt.Errorf("write sparse marker: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}
	return nil
}

// fetchUnknownSize streams the whole resource sequentially into the
// destination, bypassing the planner and the journal entirely.
func (d *Downloader) fetchUnknownSize(ctx context.Context, log *slog.Logger) error {
	body, err := d.cfg.Transport.StreamFull(ctx, d.cfg.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	file, err := os.OpenFile(d.destination, os.O_WRONLY, 0o644)
	if err != nil {
		return newError(KindStorage, "coordinator.stream_full", err)
	}
	defer file.Close()

	buf := make([]byte, d.cfg.ChunkSize)
	var written uint64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return newError(KindStorage, "coordinator.stream_full", werr)
			}
			written += uint64(n)
			d.cfg.Tracker.AddDownloaded(uint64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return newError(KindNetworkBody, "coordinator.stream_full", rerr)
		}
	}

	log.Info("stream complete", "bytes", written)
	return nil
}

// fetchKnownSize runs the Streaming and Finalizing states: plan ranges,
// skip journal-covered ones, fan out workers bounded by max_parts, save
// the journal periodically, and finalize.
func (d *Downloader) fetchKnownSize(ctx context.Context, log *slog.Logger) error {
	d.plan = PlanRanges(d.info.Size, d.cfg.MaxParts, d.cfg.MinPartMB)
	d.cfg.Tracker.SetTotalParts(len(d.plan))

	file, err := os.OpenFile(d.destination, os.O_RDWR, 0o644)
	if err != nil {
		return newError(KindStorage, "coordinator.stream", err)
	}
	defer file.Close()

	saveCtx, cancelSave := context.WithCancel(ctx)
	saveDone := make(chan struct{})
	go d.periodicSave(saveCtx, saveDone, log)

	pending := make([]Range, 0, len(d.plan))
	for _, r := range d.plan {
		if d.journal.IsCompleted(r) {
			d.cfg.Tracker.PartCompleted()
			continue
		}
		pending = append(pending, r)
	}

	// A plain errgroup.Group, not errgroup.WithContext: spec §4.6 requires
	// that one part's failure is logged but never aborts its siblings, and
	// WithContext's derived context is canceled the instant any Go func
	// returns an error, which would cut every other part's in-flight
	// request. ctx (the caller's) is what every worker gets instead.
	var group errgroup.Group
	group.SetLimit(d.cfg.MaxParts)

	worker := newPartWorker(d.cfg.Transport, d.cfg.URL, d.cfg.ChunkSize)

	for i, r := range pending {
		partID, r := i, r
		group.Go(func() error {
			outcome := worker.run(ctx, r, partID, file, d.cfg.Tracker, d.journal)
			if outcome.Err != nil {
				log.Warn("part failed", "part", partID, "range_lo", r.Lo, "range_hi", r.Hi, "err", outcome.Err)
				return outcome.Err
			}
			return nil
		})
	}

	runErr := group.Wait()

	cancelSave()
	<-saveDone

	// Finalizing: one final save regardless of outcome (spec §4.6,
	// §9 "Cancellation vs. journal").
	if err := d.journal.Save(); err != nil {
		log.Warn("final journal save failed", "err", err)
	}

	if runErr != nil {
		return runErr
	}

	if err := file.Sync(); err != nil {
		return newError(KindStorage, "coordinator.finalize", err)
	}

	for _, r := range d.plan {
		if !d.journal.IsCompleted(r) {
			return newError(KindNetworkBody, "coordinator.finalize",
				fmt.Errorf("range [%d,%d] never completed", r.Lo, r.Hi))
		}
	}

	if err := d.journal.Delete(); err != nil {
		log.Warn("journal delete failed", "err", err)
	}

	return nil
}

// periodicSave saves the journal every journalSaveInterval until ctx is
// cancelled, then closes done. It is a separate goroutine from the
// worker fan-out so a cancellation can stop it cleanly without racing
// the final save the coordinator itself issues (spec §9).
func (d *Downloader) periodicSave(ctx context.Context, done chan struct{}, log *slog.Logger) {
	defer close(done)
	ticker := time.NewTicker(journalSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.journal.Save(); err != nil {
				log.Warn("periodic journal save failed", "err", err)
			}
		}
	}
}

func (d *Downloader) failed(err error) DownloadResponse {
	return DownloadResponse{
		URL:       d.cfg.URL,
		Path:      d.destination,
		Size:      d.info.Size,
		HasSize:   d.info.HasSize,
		Name:      d.info.Name,
		FetchedAt: d.info.FetchedAt,
		Status:    StatusError,
		Err:       err,
	}
}

func (d *Downloader) succeeded() DownloadResponse {
	d.cfg.Tracker.Done()
	return DownloadResponse{
		URL:       d.cfg.URL,
		Path:      d.destination,
		Size:      d.info.Size,
		HasSize:   d.info.HasSize,
		Name:      d.info.Name,
		FetchedAt: d.info.FetchedAt,
		Status:    StatusSuccess,
	}
}

// resolveDestination implements spec §6's --output rule: an explicit
// directory gets name appended; an explicit file path is used verbatim;
// no path means CWD joined with name.
func resolveDestination(output, name string) string {
	if output == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		return filepath.Join(wd, name)
	}

	if stat, err := os.Stat(output); err == nil && stat.IsDir() {
		return filepath.Join(output, name)
	}

	return output
}
