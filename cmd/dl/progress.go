package main

import (
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/kbroder/dl"
)

// progressBarReporter is the terminal-rendering dl.Tracker: a thin
// wrapper around schollz/progressbar/v3 that also keeps the counters a
// Snapshot needs, since the bar itself doesn't expose its state back out.
type progressBarReporter struct {
	mu             sync.Mutex
	bar            *progressbar.ProgressBar
	total          uint64
	hasTotal       bool
	downloaded     uint64
	completedParts int
	totalParts     int
}

func newProgressBarReporter(label string) *progressBarReporter {
	return &progressBarReporter{
		bar: progressbar.DefaultBytes(-1, label),
	}
}

func (p *progressBarReporter) SetTotal(total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.hasTotal = true
	p.bar.ChangeMax64(int64(total))
}

func (p *progressBarReporter) SetDownloaded(downloaded uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloaded = downloaded
	_ = p.bar.Set64(int64(downloaded))
}

func (p *progressBarReporter) AddDownloaded(delta uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloaded += delta
	_ = p.bar.Add64(int64(delta))
}

func (p *progressBarReporter) PartCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completedParts++
}

func (p *progressBarReporter) SetTotalParts(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalParts = n
}

func (p *progressBarReporter) Snapshot() dl.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return dl.ProgressSnapshot{
		TotalBytes:      p.total,
		HasTotal:        p.hasTotal,
		DownloadedBytes: p.downloaded,
		CompletedParts:  p.completedParts,
		TotalParts:      p.totalParts,
	}
}

func (p *progressBarReporter) Done() {
	_ = p.bar.Finish()
}
