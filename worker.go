package dl

import (
	"context"
	"fmt"
	"io"
)

// defaultBufferSize is the network read-buffer size used when the caller
// doesn't override it via --chunk-size (spec §6: "default 128 KiB for
// network buffers").
const defaultBufferSize = 128 * 1024

// partWorker streams one Range from the transport into a shared
// destination, per spec §4.5.
//
// Go's io.WriterAt already gives positional writes their own atomicity —
// unlike a seek-then-write API, WriteAt never touches a shared file
// cursor, so concurrent parts writing to disjoint ranges of the same
// *os.File need no mutex around the write itself (the teacher's
// fetchPartOnce already relies on exactly this). The "short writer-lock"
// discipline spec §4.5/§9 describes exists to support runtimes whose
// storage layer lacks WriteAt; it is satisfied here by construction,
// not by an explicit lock.
type partWorker struct {
	transport  Transport
	url        string
	bufferSize int
}

func newPartWorker(t Transport, url string, bufferSize int) *partWorker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &partWorker{transport: t, url: url, bufferSize: bufferSize}
}

// run streams r into out, reporting byte deltas to tracker and recording
// completion in journal. journal may be nil (size-unknown path never
// calls run; single-stream sequential writes bypass the worker entirely).
func (w *partWorker) run(ctx context.Context, r Range, partID int, out io.WriterAt, tracker Tracker, journal *Journal) PartOutcome {
	body, err := w.transport.StreamRange(ctx, w.url, r)
	if err != nil {
		return PartOutcome{PartID: partID, Range: r, Err: err}
	}
	defer body.Close()

	writer := &offsetWriter{w: out, offset: int64(r.Lo)}
	buf := make([]byte, w.bufferSize)

	var written uint64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				return PartOutcome{PartID: partID, Range: r, BytesWritten: written,
					Err: newError(KindStorage, "worker.write", werr)}
			}
			written += uint64(n)
			tracker.AddDownloaded(uint64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return PartOutcome{PartID: partID, Range: r, BytesWritten: written,
				Err: newError(KindNetworkBody, "worker.read", rerr)}
		}
	}

	want := r.Len()
	if written != want {
		return PartOutcome{PartID: partID, Range: r, BytesWritten: written,
			Err: newError(KindNetworkBody, "worker.read",
				fmt.Errorf("expected %d bytes, got %d", want, written))}
	}

	if journal != nil {
		journal.AddInterval(r.Lo, r.Hi)
	}
	tracker.PartCompleted()

	return PartOutcome{PartID: partID, Range: r, BytesWritten: written}
}
