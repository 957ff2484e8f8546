// Package stats tracks segment transfer statistics and exports them to Prometheus.
package stats

import (
	"math"
	"sync"
	"time"
)

// Throughput is a cumulative moving average of segment processing throughput
// in bits per second.
type Throughput struct {
	Rate  float64 `json:"rate"`
	Count int     `json:"count"`
}

// Record adds a sample for byteLength bytes processed in processing and
// returns the sample.
func (t *Throughput) Record(byteLength int, processing time.Duration) float64 {
	ms := float64(processing.Milliseconds()) + 1
	sample := math.Floor(float64(byteLength) / ms * 8 * 1000)
	t.Count++
	t.Rate += (sample - t.Rate) / float64(t.Count)
	return sample
}

// Counters are the per-loader media request statistics.
type Counters struct {
	MediaBytesTransferred int64         `json:"mediaBytesTransferred"`
	MediaRequests         int           `json:"mediaRequests"`
	MediaRequestsAborted  int           `json:"mediaRequestsAborted"`
	MediaRequestsTimedout int           `json:"mediaRequestsTimedout"`
	MediaRequestsErrored  int           `json:"mediaRequestsErrored"`
	MediaTransferDuration time.Duration `json:"mediaTransferDuration"`
	MediaSecondsLoaded    float64       `json:"mediaSecondsLoaded"`
}

// Tracker accumulates counters and throughput for one loader. It is safe for
// concurrent reads of Snapshot while the loader updates it.
type Tracker struct {
	mutex      sync.RWMutex
	counters   Counters
	throughput Throughput
	recorder   *Recorder
}

// NewTracker creates a Tracker. rec may be nil.
func NewTracker(rec *Recorder) *Tracker {
	return &Tracker{recorder: rec}
}

// RecordRequest counts a finished media request.
func (t *Tracker) RecordRequest(bytesReceived int64, roundTrip time.Duration) {
	t.mutex.Lock()
	t.counters.MediaRequests++
	t.counters.MediaBytesTransferred += bytesReceived
	t.counters.MediaTransferDuration += roundTrip
	t.mutex.Unlock()
	t.recorder.request(bytesReceived, roundTrip)
}

// RecordAborted counts an aborted request.
func (t *Tracker) RecordAborted() {
	t.mutex.Lock()
	t.counters.MediaRequestsAborted++
	t.mutex.Unlock()
	t.recorder.outcome("aborted")
}

// RecordTimedOut counts a timed out request.
func (t *Tracker) RecordTimedOut() {
	t.mutex.Lock()
	t.counters.MediaRequestsTimedout++
	t.mutex.Unlock()
	t.recorder.outcome("timedout")
}

// RecordErrored counts a failed request.
func (t *Tracker) RecordErrored() {
	t.mutex.Lock()
	t.counters.MediaRequestsErrored++
	t.mutex.Unlock()
	t.recorder.outcome("errored")
}

// AddMediaSeconds counts seconds of media handed to the sink.
func (t *Tracker) AddMediaSeconds(seconds float64) {
	t.mutex.Lock()
	t.counters.MediaSecondsLoaded += seconds
	t.mutex.Unlock()
	t.recorder.mediaSeconds(seconds)
}

// RecordThroughput adds a processing throughput sample.
func (t *Tracker) RecordThroughput(byteLength int, processing time.Duration) {
	t.mutex.Lock()
	t.throughput.Record(byteLength, processing)
	rate := t.throughput.Rate
	t.mutex.Unlock()
	t.recorder.throughput(rate)
}

// SetBandwidth exports the loader's bandwidth estimate.
func (t *Tracker) SetBandwidth(bandwidth float64) {
	t.recorder.bandwidth(bandwidth)
}

// Reset zeroes the counters. Throughput is kept.
func (t *Tracker) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.counters = Counters{}
}

// Counters returns a copy of the counters.
func (t *Tracker) Counters() Counters {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.counters
}

// Throughput returns a copy of the throughput average.
func (t *Tracker) Throughput() Throughput {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.throughput
}
