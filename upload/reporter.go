package upload

import (
	"time"
)

// Snapshot is a read-only copy of upload progress, safe to hand to a UI
// layer over a channel. It is recomputed from the running byte counter and a
// fixed start time, so producing one is cheap.
type Snapshot struct {
	BytesUploaded  uint64
	TotalBytes     uint64
	SpeedBPS       float64
	ETASeconds     float64
	Percent        float64
	CurrentFile    string
	FilesRemaining uint64
}

const reporterMinInterval = 100 * time.Millisecond

// Reporter tracks bytes uploaded for one archive and publishes throttled
// Snapshots. It is used by exactly one upload attempt at a time and is not
// safe for concurrent use; the chunk pipeline is strictly sequential.
type Reporter struct {
	ch             chan<- Snapshot
	bytesUploaded  uint64
	totalBytes     uint64
	currentFile    string
	filesRemaining uint64
	startTime      time.Time
	lastSendTime   time.Time
}

// NewReporter creates a Reporter publishing to ch. A nil channel disables
// publishing but keeps the byte accounting, which the retry rollback relies
// on.
func NewReporter(ch chan<- Snapshot, totalBytes uint64, currentFile string, filesRemaining uint64) *Reporter {
	return &Reporter{
		ch:             ch,
		totalBytes:     totalBytes,
		currentFile:    currentFile,
		filesRemaining: filesRemaining,
		startTime:      time.Now(),
	}
}

// BytesUploaded ...
func (r *Reporter) BytesUploaded() uint64 {
	return r.bytesUploaded
}

// SetBytesUploaded overwrites the running counter. Used to initialize
// resumed uploads and to roll back after a failed chunk attempt.
func (r *Reporter) SetBytesUploaded(bytes uint64) {
	r.bytesUploaded = bytes
	r.maybeSend()
}

// AddBytesUploaded ...
func (r *Reporter) AddBytesUploaded(bytes uint64) {
	r.bytesUploaded += bytes
	r.maybeSend()
}

// Flush publishes a snapshot regardless of throttling. Call after milestones
// (chunk acknowledged, upload finished) so the final state is never lost to
// the throttle window.
func (r *Reporter) Flush() {
	r.send()
	r.lastSendTime = time.Now()
}

// maybeSend publishes at most once per throttle interval so a fast transfer
// cannot saturate the UI update channel.
func (r *Reporter) maybeSend() {
	if time.Since(r.lastSendTime) < reporterMinInterval {
		return
	}
	r.send()
	r.lastSendTime = time.Now()
}

func (r *Reporter) send() {
	if r.ch == nil {
		return
	}

	elapsed := time.Since(r.startTime).Seconds()
	var bps float64
	if elapsed > 0 {
		bps = float64(r.bytesUploaded) / elapsed
	}

	var eta float64
	if bps > 0 && r.totalBytes > r.bytesUploaded {
		eta = float64(r.totalBytes-r.bytesUploaded) / bps
	}

	var percent float64
	if r.totalBytes > 0 {
		percent = float64(r.bytesUploaded) / float64(r.totalBytes) * 100
		if percent > 100 {
			percent = 100
		}
	}

	snapshot := Snapshot{
		BytesUploaded:  r.bytesUploaded,
		TotalBytes:     r.totalBytes,
		SpeedBPS:       bps,
		ETASeconds:     eta,
		Percent:        percent,
		CurrentFile:    r.currentFile,
		FilesRemaining: r.filesRemaining,
	}

	// Drop the update if the channel is full; progress snapshots are
	// advisory and a newer one follows shortly.
	select {
	case r.ch <- snapshot:
	default:
	}
}
