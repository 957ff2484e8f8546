package playlist

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withDuration(total float64, segDuration float64) *Playlist {
	p := &Playlist{URI: "playlist.m3u8", TargetDuration: segDuration, EndList: true}
	for i := 0; float64(i)*segDuration < total; i++ {
		p.Segments = append(p.Segments, &Segment{
			URI:         fmt.Sprintf("%d.ts", i),
			ResolvedURI: fmt.Sprintf("%d.ts", i),
			Duration:    segDuration,
		})
	}
	return p
}

func TestDuration(t *testing.T) {
	p := withDuration(40, 10)
	assert.Equal(t, 40.0, Duration(p))

	p.EndList = false
	assert.True(t, math.IsInf(Duration(p), 1))
}

func TestSumDurationsIsOrderIndependent(t *testing.T) {
	p := withDuration(40, 10)
	assert.Equal(t, 20.0, SumDurations(p, 1, 3))
	assert.Equal(t, 20.0, SumDurations(p, 3, 1))
	assert.Equal(t, 0.0, SumDurations(p, 2, 2))
}

func TestGetMediaInfoForTime(t *testing.T) {
	p := withDuration(40, 10)

	cases := []struct {
		name       string
		time       float64
		startIndex int
		startTime  float64
		wantIndex  int
		wantStart  float64
	}{
		{"first segment", 0, 0, 0, 0, 0},
		{"inside third", 25, 0, 0, 2, 20},
		{"walk backward", 5, 2, 20, 0, 0},
		{"past end", 100, 0, 0, 3, 100},
		{"before anchor at zero", -5, 0, 0, 0, -5},
		{"negative anchor index", 15, -1, 0, 0, 0},
		{"inside negative anchor", 5, -1, 0, 0, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			index, start := GetMediaInfoForTime(p, tc.time, tc.startIndex, tc.startTime)
			assert.Equal(t, tc.wantIndex, index)
			assert.InDelta(t, tc.wantStart, start, 1e-9)
		})
	}
}

func TestEstimateSegmentRequestTime(t *testing.T) {
	p := withDuration(10, 10)
	p.Attributes.Bandwidth = 1_000_000

	// 10s at 1Mbps is 10Mbit; half of it already received at 2Mbps.
	got := EstimateSegmentRequestTime(10, 2_000_000, p, 625_000)
	assert.InDelta(t, 2.5, got, 1e-9)

	assert.True(t, math.IsNaN(EstimateSegmentRequestTime(10, 0, p, 0)))
}

func TestSegmentRefRebase(t *testing.T) {
	old := withDuration(40, 10)
	old.MediaSequence = 0

	refreshed := withDuration(40, 10)
	refreshed.Segments = refreshed.Segments[1:]
	refreshed.MediaSequence = 1

	ref := NewSegmentRef(old, 1)
	rebased := ref.Rebase(refreshed)
	require.True(t, rebased.Valid())
	assert.Same(t, refreshed, rebased.Playlist)
	assert.Equal(t, 0, rebased.Index)
	assert.Equal(t, "1.ts", rebased.Segment().URI)

	fellOff := NewSegmentRef(old, 0).Rebase(refreshed)
	assert.Same(t, old, fellOff.Playlist)
	assert.Equal(t, "0.ts", fellOff.Segment().URI)
}

func TestExclusion(t *testing.T) {
	now := time.Unix(1000, 0)
	p := withDuration(10, 10)
	assert.True(t, p.IsEnabled(now))

	p.Exclude(now, time.Minute)
	assert.False(t, p.IsEnabled(now.Add(30*time.Second)))
	assert.True(t, p.IsEnabled(now.Add(time.Minute)))

	p.Exclude(now, -1)
	assert.False(t, p.IsEnabled(now.Add(time.Hour)))
}

func TestByteRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=100-199", ByteRange{Offset: 100, Length: 100}.Header())
}
