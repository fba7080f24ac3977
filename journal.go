package dl

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// interval is a closed byte interval, matching Range but kept distinct so
// the journal's on-disk shape doesn't couple to the planner's Range type.
type interval struct {
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
}

// journalRecord is the on-disk, human-readable shape of a Journal
// (spec §4.4).
type journalRecord struct {
	Name               string     `json:"name"`
	TotalSize          uint64     `json:"total_size"`
	CompletedIntervals []interval `json:"completed_intervals"`
	StartedAt          time.Time  `json:"started_at"`
}

// Journal is the durable record of which byte intervals of a destination
// file have already been written. The completed-interval set monotonically
// grows and is kept minimal: no two intervals touch or overlap.
type Journal struct {
	mu   sync.Mutex
	path string
	rec  journalRecord
}

// NewJournal creates a fresh, empty Journal for a destination about to be
// written for the first time.
func NewJournal(path, name string, totalSize uint64) *Journal {
	return &Journal{
		path: path,
		rec: journalRecord{
			Name:      name,
			TotalSize: totalSize,
			StartedAt: time.Now(),
		},
	}
}

// LoadJournal loads a Journal from path, or returns (nil, nil) if no file
// exists there yet.
func LoadJournal(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError(KindStorage, "journal.load", err)
	}

	var rec journalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, newError(KindParse, "journal.load", err)
	}

	j := &Journal{path: path, rec: rec}
	j.rec.CompletedIntervals = coalesce(j.rec.CompletedIntervals)
	return j, nil
}

// Save fully overwrites the journal file at its path via a temp-file-then-
// rename, the same durability idiom the teacher's progress persistence
// used, so a crash mid-write never leaves a half-written journal.
func (j *Journal) Save() error {
	j.mu.Lock()
	data, err := json.MarshalIndent(j.rec, "", "  ")
	j.mu.Unlock()
	if err != nil {
		return newError(KindParse, "journal.save", err)
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return newError(KindStorage, "journal.save", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return newError(KindStorage, "journal.save", err)
	}
	return nil
}

// Delete removes the journal file; called on clean completion.
func (j *Journal) Delete() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return newError(KindStorage, "journal.delete", err)
	}
	return nil
}

// Name returns the journaled filename, for diagnostics.
func (j *Journal) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.Name
}

// TotalSize returns the journaled total size.
func (j *Journal) TotalSize() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.TotalSize
}

// AddInterval inserts [lo, hi] into the completed set, merging with any
// touching or overlapping intervals so the set stays minimal.
func (j *Journal) AddInterval(lo, hi uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rec.CompletedIntervals = append(j.rec.CompletedIntervals, interval{Lo: lo, Hi: hi})
	j.rec.CompletedIntervals = coalesce(j.rec.CompletedIntervals)
}

// IsCompleted implements the coverage test of spec §4.4: a candidate
// range [a,b] is completed iff some journal interval [x,y] fully
// contains it. Partial overlap is not completion.
func (j *Journal) IsCompleted(r Range) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, iv := range j.rec.CompletedIntervals {
		if iv.Lo <= r.Lo && r.Hi <= iv.Hi {
			return true
		}
	}
	return false
}

// CompletedBytes returns the total bytes recorded across all completed
// intervals, used for progress display on resume.
func (j *Journal) CompletedBytes() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	var total uint64
	for _, iv := range j.rec.CompletedIntervals {
		total += iv.Hi - iv.Lo + 1
	}
	return total
}

// coalesce sorts intervals by Lo and merges any pair that touches or
// overlaps ([c,d] touches [a,b] when c <= b+1 and a <= d+1), producing
// the minimal equivalent set.
func coalesce(in []interval) []interval {
	if len(in) < 2 {
		return in
	}

	sorted := make([]interval, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })

	out := make([]interval, 0, len(sorted))
	cur := sorted[0]
	for _, iv := range sorted[1:] {
		if iv.Lo <= cur.Hi+1 {
			if iv.Hi > cur.Hi {
				cur.Hi = iv.Hi
			}
			continue
		}
		out = append(out, cur)
		cur = iv
	}
	out = append(out, cur)
	return out
}

// journalPath returns the path of the progress journal colocated with a
// destination file, per spec §4.4/§6: "{destination}.progress".
func journalPath(destination string) string {
	return fmt.Sprintf("%s.progress", destination)
}
