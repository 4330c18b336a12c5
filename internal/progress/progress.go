// Package progress provides atomic counters for the pipeline's progress
// reporting as an explicit value passed to whichever components need it,
// rather than a process-wide singleton.
package progress

import (
	"sync/atomic"
	"time"
)

// Counters tracks run-wide progress. All fields are accessed through
// atomic operations so decoders and the writer can update them without a
// lock.
type Counters struct {
	FilesTotal     int64
	FilesDone      int64
	BytesRead      int64
	RowsRead       int64
	RowsWritten    int64
	BytesWritten   int64
	CoercionLoss   int64
	RecordOverflow int64
	started        int64 // unix nanos, set once by Start
}

// Start records the run's start time, used to compute throughput.
func (c *Counters) Start(at time.Time) {
	atomic.StoreInt64(&c.started, at.UnixNano())
}

func (c *Counters) AddFilesTotal(n int64)     { atomic.AddInt64(&c.FilesTotal, n) }
func (c *Counters) AddFilesDone(n int64)      { atomic.AddInt64(&c.FilesDone, n) }
func (c *Counters) AddBytesRead(n int64)      { atomic.AddInt64(&c.BytesRead, n) }
func (c *Counters) AddRowsRead(n int64)       { atomic.AddInt64(&c.RowsRead, n) }
func (c *Counters) AddRowsWritten(n int64)    { atomic.AddInt64(&c.RowsWritten, n) }
func (c *Counters) AddBytesWritten(n int64)   { atomic.AddInt64(&c.BytesWritten, n) }
func (c *Counters) AddCoercionLoss(n int64)   { atomic.AddInt64(&c.CoercionLoss, n) }
func (c *Counters) AddRecordOverflow(n int64) { atomic.AddInt64(&c.RecordOverflow, n) }

// Snapshot is a point-in-time, non-atomic copy suitable for logging or
// the final report.
type Snapshot struct {
	FilesTotal     int64
	FilesDone      int64
	BytesRead      int64
	RowsRead       int64
	RowsWritten    int64
	BytesWritten   int64
	CoercionLoss   int64
	RecordOverflow int64
	Elapsed        time.Duration
}

// Snapshot reads every counter's current value.
func (c *Counters) Snapshot() Snapshot {
	started := atomic.LoadInt64(&c.started)
	var elapsed time.Duration
	if started != 0 {
		elapsed = time.Since(time.Unix(0, started))
	}
	return Snapshot{
		FilesTotal:     atomic.LoadInt64(&c.FilesTotal),
		FilesDone:      atomic.LoadInt64(&c.FilesDone),
		BytesRead:      atomic.LoadInt64(&c.BytesRead),
		RowsRead:       atomic.LoadInt64(&c.RowsRead),
		RowsWritten:    atomic.LoadInt64(&c.RowsWritten),
		BytesWritten:   atomic.LoadInt64(&c.BytesWritten),
		CoercionLoss:   atomic.LoadInt64(&c.CoercionLoss),
		RecordOverflow: atomic.LoadInt64(&c.RecordOverflow),
		Elapsed:        elapsed,
	}
}
