package fetch

import (
	"io"
	"math"
	"sync"
	"time"
)

// Stats describes the transfer of a segment.
type Stats struct {
	BytesReceived int64
	// Bandwidth is in bits per second.
	Bandwidth            float64
	RoundTripTime        time.Duration
	FirstBytesReceivedAt time.Time
}

// progressReader counts bytes of a response body and reports cumulative stats.
type progressReader struct {
	r       io.Reader
	started time.Time
	now     func() time.Time
	report  func(Stats)

	mutex sync.Mutex
	stats Stats
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mutex.Lock()
		now := p.now()
		if p.stats.FirstBytesReceivedAt.IsZero() {
			p.stats.FirstBytesReceivedAt = now
		}
		p.stats.BytesReceived += int64(n)
		p.stats.RoundTripTime = now.Sub(p.started)
		p.stats.Bandwidth = bandwidth(p.stats.BytesReceived, p.stats.RoundTripTime)
		snapshot := p.stats
		p.mutex.Unlock()

		if p.report != nil {
			p.report(snapshot)
		}
	}
	return n, err
}

func (p *progressReader) snapshot() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stats
}

// bandwidth converts a transfer to bits per second the way throughput is
// measured everywhere in the loader: whole milliseconds, floored.
func bandwidth(bytes int64, elapsed time.Duration) float64 {
	ms := float64(elapsed.Milliseconds())
	if ms <= 0 {
		ms = 1
	}
	return math.Floor(float64(bytes) / ms * 8 * 1000)
}
