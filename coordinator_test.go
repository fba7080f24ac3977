package dl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fixedRangeTransport is a Transport stub serving Head from a fixed
// DownloadInfo and StreamRange/StreamFull from an in-memory body; used
// where httptest.Server would be overkill since these tests care about
// coordinator orchestration, not wire parsing (transport_test.go already
// covers that against a real server).
type fixedRangeTransport struct {
	info DownloadInfo
	body string
}

func (f *fixedRangeTransport) Head(context.Context, string) (DownloadInfo, error) {
	return f.info, nil
}

func (f *fixedRangeTransport) StreamRange(ctx context.Context, rawURL string, r Range) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body[r.Lo : r.Hi+1])), nil
}

func (f *fixedRangeTransport) StreamFull(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestDownloaderFetchSingleRange(t *testing.T) {
	body := strings.Repeat("x", 1024)
	transport := &fixedRangeTransport{
		info: DownloadInfo{Size: uint64(len(body)), HasSize: true, Name: "payload.bin"},
		body: body,
	}

	dir := t.TempDir()
	downloader, err := NewDownloader(CoordinatorConfig{
		URL:        "https://example.invalid/payload.bin",
		OutputPath: dir,
		MaxParts:   4,
		MinPartMB:  100, // forces a single range for a 1 KiB body
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	resp := downloader.Fetch(context.Background())
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%v)", resp.Status, resp.Err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("destination content mismatch")
	}

	if _, err := os.Stat(resp.Path + ".progress"); !os.IsNotExist(err) {
		t.Error("expected journal to be deleted on success")
	}
}

func TestDownloaderFetchMultiPart(t *testing.T) {
	const mib = 1024 * 1024
	body := strings.Repeat("abcdefgh", mib/8*4) // 4 MiB, divides evenly into four 1 MiB parts
	transport := &fixedRangeTransport{
		info: DownloadInfo{Size: uint64(len(body)), HasSize: true, Name: "multi.bin"},
		body: body,
	}

	dir := t.TempDir()
	downloader, err := NewDownloader(CoordinatorConfig{
		URL:        "https://example.invalid/multi.bin",
		OutputPath: dir,
		MaxParts:   4,
		MinPartMB:  1,
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	resp := downloader.Fetch(context.Background())
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%v)", resp.Status, resp.Err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "multi.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("destination content mismatch, len=%d want=%d", len(got), len(body))
	}
}

func TestDownloaderFetchUnknownSize(t *testing.T) {
	body := "streamed without a known length"
	transport := &fixedRangeTransport{
		info: DownloadInfo{HasSize: false, Name: "stream.bin"},
		body: body,
	}

	dir := t.TempDir()
	downloader, err := NewDownloader(CoordinatorConfig{
		URL:        "https://example.invalid/stream.bin",
		OutputPath: dir,
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	resp := downloader.Fetch(context.Background())
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%v)", resp.Status, resp.Err)
	}
	if resp.HasSize {
		t.Error("expected HasSize to remain false for the size-unknown path")
	}

	got, err := os.ReadFile(filepath.Join(dir, "stream.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("destination content mismatch")
	}

	if _, err := os.Stat(filepath.Join(dir, "stream.bin.progress")); !os.IsNotExist(err) {
		t.Error("size-unknown path must not create a journal")
	}
}

// S4 — resume after one part.
func TestDownloaderResumeSkipsCompletedRange(t *testing.T) {
	const mib = 1024 * 1024
	body := strings.Repeat("y", mib) + strings.Repeat("z", mib) // 2 MiB, two distinguishable halves
	dest := filepath.Join(t.TempDir(), "resume.bin")

	f, err := os.Create(dest)
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(int64(len(body)))
	f.WriteAt([]byte(body[:mib]), 0)
	f.Close()

	j := NewJournal(journalPath(dest), "resume.bin", uint64(len(body)))
	j.AddInterval(0, mib-1)
	if err := j.Save(); err != nil {
		t.Fatal(err)
	}

	var requested []Range
	transport := &recordingRangeTransport{
		info: DownloadInfo{Size: uint64(len(body)), HasSize: true, Name: "resume.bin"},
		body: body,
		seen: &requested,
	}

	downloader, err := NewDownloader(CoordinatorConfig{
		URL:        "https://example.invalid/resume.bin",
		OutputPath: dest,
		Resume:     true,
		MaxParts:   2,
		MinPartMB:  1,
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	resp := downloader.Fetch(context.Background())
	if resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %v (%v)", resp.Status, resp.Err)
	}

	if len(requested) != 1 {
		t.Fatalf("expected exactly one transport request for the remaining range, got %d: %v", len(requested), requested)
	}
	if requested[0] != (Range{Lo: mib, Hi: 2*mib - 1}) {
		t.Errorf("expected request for [%d,%d], got %+v", mib, 2*mib-1, requested[0])
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Error("destination content mismatch after resume")
	}
}

type recordingRangeTransport struct {
	info DownloadInfo
	body string
	seen *[]Range
}

func (r *recordingRangeTransport) Head(context.Context, string) (DownloadInfo, error) {
	return r.info, nil
}

func (r *recordingRangeTransport) StreamRange(ctx context.Context, rawURL string, rng Range) (io.ReadCloser, error) {
	*r.seen = append(*r.seen, rng)
	return io.NopCloser(strings.NewReader(r.body[rng.Lo : rng.Hi+1])), nil
}

func (r *recordingRangeTransport) StreamFull(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(r.body)), nil
}

func TestDownloaderResumeRejectsSizeMismatch(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "mismatch.bin")
	if err := os.WriteFile(dest, []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := NewJournal(journalPath(dest), "mismatch.bin", 1000)
	j.AddInterval(0, 4)
	if err := j.Save(); err != nil {
		t.Fatal(err)
	}

	transport := &fixedRangeTransport{info: DownloadInfo{Size: 1000, HasSize: true, Name: "mismatch.bin"}}

	downloader, err := NewDownloader(CoordinatorConfig{
		URL:        "https://example.invalid/mismatch.bin",
		OutputPath: dest,
		Resume:     true,
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	resp := downloader.Fetch(context.Background())
	if resp.Status != StatusError {
		t.Fatal("expected the coordinator to refuse a resume whose destination size disagrees with the journal's total")
	}
}

// partialFailureTransport serves one range as a synthetic failure and the
// rest from an in-memory body whose reads block until the failing range
// has returned, so a test can prove the failure didn't cancel the other
// ranges' in-flight requests.
type partialFailureTransport struct {
	info         DownloadInfo
	body         string
	failRange    Range
	failSignaled chan struct{}
}

func (p *partialFailureTransport) Head(context.Context, string) (DownloadInfo, error) {
	return p.info, nil
}

func (p *partialFailureTransport) StreamRange(ctx context.Context, rawURL string, r Range) (io.ReadCloser, error) {
	if r == p.failRange {
		close(p.failSignaled)
		return nil, fmt.Errorf("synthetic failure for range [%d,%d]", r.Lo, r.Hi)
	}
	return &barrierReader{ctx: ctx, data: p.body[r.Lo : r.Hi+1], ready: p.failSignaled}, nil
}

func (p *partialFailureTransport) StreamFull(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(p.body)), nil
}

// barrierReader waits for the failing sibling part to signal before
// serving any bytes, then serves them only if its own context is still
// live — mirroring how a real in-flight HTTP read would observe
// cancellation of a shared context.
type barrierReader struct {
	ctx    context.Context
	data   string
	pos    int
	ready  <-chan struct{}
	waited bool
}

func (r *barrierReader) Read(p []byte) (int, error) {
	if !r.waited {
		select {
		case <-r.ready:
		case <-time.After(time.Second):
		}
		r.waited = true
	}
	if r.ctx.Err() != nil {
		return 0, r.ctx.Err()
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *barrierReader) Close() error { return nil }

// One failing part must not abort its siblings (spec §4.6: "worker errors
// are logged but do not abort peers; the coordinator succeeds only if
// every required range completes").
func TestDownloaderFetchMultiPartOneFailureDoesNotAbortSiblings(t *testing.T) {
	const mib = 1024 * 1024
	body := strings.Repeat("a", mib) + strings.Repeat("b", mib) // 2 MiB, two 1 MiB parts
	failRange := Range{Lo: 0, Hi: mib - 1}

	transport := &partialFailureTransport{
		info:         DownloadInfo{Size: uint64(len(body)), HasSize: true, Name: "partial.bin"},
		body:         body,
		failRange:    failRange,
		failSignaled: make(chan struct{}),
	}

	dir := t.TempDir()
	downloader, err := NewDownloader(CoordinatorConfig{
		URL:        "https://example.invalid/partial.bin",
		OutputPath: dir,
		MaxParts:   2,
		MinPartMB:  1,
		Transport:  transport,
	})
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}

	resp := downloader.Fetch(context.Background())
	if resp.Status != StatusError {
		t.Fatalf("expected overall failure since one required range never completed, got %v", resp.Status)
	}

	got, err := os.ReadFile(filepath.Join(dir, "partial.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got[mib:]) != strings.Repeat("b", mib) {
		t.Error("sibling part's write was not preserved: its in-flight request was aborted by the failing part's context cancellation")
	}
}

func TestSparseAllocateGrowsFileAndResetsPosition(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "dl-sparse-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := sparseAllocate(f, 1024); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stat, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if stat.Size() != 1024 {
		t.Errorf("expected size 1024, got %d", stat.Size())
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Errorf("expected file position reset to 0, got %d", pos)
	}
}

func TestPreallocatePropagatesTruncateFailure(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "dest.bin"))
	if err != nil {
		t.Fatal(err)
	}
	f.Close() // closed file: Seek/Write/Truncate all fail

	downloader := &Downloader{info: DownloadInfo{Size: 1024, HasSize: true}}
	err = downloader.preallocate(f)
	if err == nil {
		t.Fatal("expected an error from preallocate on a closed file")
	}
	var dlErr *Error
	if !errors.As(err, &dlErr) || dlErr.Kind != KindStorage {
		t.Errorf("expected a KindStorage error, got %v", err)
	}
}
