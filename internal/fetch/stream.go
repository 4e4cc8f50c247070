// Package fetch keeps the per-stream scan cursor and pulls each cycle's
// window of new samples from the acquisition backend.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
)

var (
	// ErrFetchGap means a fetch returned no scans although scans were
	// available. It is recovered by reading the latest scans instead.
	ErrFetchGap = errors.New("fetch gap")

	// ErrEmptyWindow means no new scans this cycle. Routine.
	ErrEmptyWindow = errors.New("empty window")
)

// ExpectedScansPerTick is the number of scans a stream produces per tick.
func ExpectedScansPerTick(sampleRate, tickHz float64) int {
	if tickHz <= 0 {
		return 0
	}
	return int(math.Round(sampleRate / tickHz))
}

// Window is one cycle's fetch for a stream. Scan numbers of its samples are
// Start + i*Downsample + 1 for row i.
type Window struct {
	Start      uint64 // lastReadScan before this fetch
	Scans      int    // acquisition scans covered
	Count      int    // rows in Data
	Channels   int
	Downsample int
	Data       []int16
	Gap        bool // filter state must be reset
}

type Options struct {
	Tick          time.Duration
	CatchupFactor int
	Timeout       time.Duration
}

// Stream holds one stream's cursor. It is used only from the pipeline
// goroutine; Health may be read elsewhere.
type Stream struct {
	Info   acq.StreamInfo
	Health *Health

	backend     acq.Backend
	channels    []int
	maxScans    int
	timeout     time.Duration
	lastRead    uint64
	maxReadable uint64
	gapLog      *rate.Limiter
}

// NewStream starts the cursor at the backend's current sample count so the
// first window contains only live data.
func NewStream(ctx context.Context, b acq.Backend, info acq.StreamInfo, opts Options) (*Stream, error) {
	if opts.CatchupFactor < 1 {
		opts.CatchupFactor = 1
	}
	tickHz := float64(time.Second) / float64(opts.Tick)
	s := &Stream{
		Info:     info,
		Health:   NewHealth(info.ID.String()),
		backend:  b,
		channels: info.ChannelList(),
		maxScans: opts.CatchupFactor * ExpectedScansPerTick(info.SampleRate, tickHz),
		timeout:  opts.Timeout,
		gapLog:   rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	n, err := s.sampleCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: initial sample count: %w", info.ID, err)
	}
	s.lastRead, s.maxReadable = n, n
	return s, nil
}

// LastRead is the scan cursor: every scan before it has been consumed.
func (s *Stream) LastRead() uint64 { return s.lastRead }

// MaxReadable is the backend sample count seen by the last Next.
func (s *Stream) MaxReadable() uint64 { return s.maxReadable }

// MaxScans is the per-cycle read cap.
func (s *Stream) MaxScans() int { return s.maxScans }

func (s *Stream) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Stream) sampleCount(ctx context.Context) (uint64, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.SampleCount(cctx, s.Info.ID)
}

// Next reads up to the catch-up cap of new scans. It returns ErrEmptyWindow
// when nothing is new and any backend error as-is; in both cases the cursor
// does not move and the caller skips the stream this cycle.
func (s *Stream) Next(ctx context.Context) (Window, error) {
	count, err := s.sampleCount(ctx)
	if err != nil {
		s.Health.RecordFailure(err)
		return Window{}, fmt.Errorf("%s sample count: %w", s.Info.ID, err)
	}
	if count > s.maxReadable {
		s.maxReadable = count
	}
	if count <= s.lastRead {
		s.Health.RecordSuccess(false)
		return Window{}, ErrEmptyWindow
	}

	available := count - s.lastRead
	n := s.maxScans
	if available < uint64(n) {
		n = int(available)
	}
	if n == 0 {
		s.Health.RecordSuccess(false)
		return Window{}, ErrEmptyWindow
	}

	cctx, cancel := s.withTimeout(ctx)
	blk, err := s.backend.Fetch(cctx, s.Info.ID, s.lastRead, n, s.channels, s.Info.Downsample)
	cancel()
	if err != nil {
		s.Health.RecordFailure(err)
		return Window{}, fmt.Errorf("%s fetch: %w", s.Info.ID, err)
	}

	gap := false
	if blk.Scans < 1 {
		if s.gapLog.Allow() {
			log.Printf("[%s] %v at scan %d (%d available), reading latest", s.Info.ID, ErrFetchGap, s.lastRead, available)
		}
		cctx, cancel := s.withTimeout(ctx)
		blk, err = s.backend.FetchLatest(cctx, s.Info.ID, n, s.channels, s.Info.Downsample)
		cancel()
		if err != nil {
			s.Health.RecordFailure(err)
			return Window{}, fmt.Errorf("%s: %w: latest: %v", s.Info.ID, ErrFetchGap, err)
		}
		if blk.Scans < 1 {
			s.Health.RecordFailure(ErrFetchGap)
			return Window{}, fmt.Errorf("%s: %w: latest returned no scans", s.Info.ID, ErrFetchGap)
		}
		gap = true
	}

	w := Window{
		Start:      s.lastRead,
		Scans:      n,
		Count:      blk.Scans,
		Channels:   blk.Channels,
		Downsample: s.Info.Downsample,
		Data:       blk.Data,
		Gap:        gap,
	}
	if gap {
		// Latest data ends at the backend's head; resume from there.
		w.Start = blk.First
		if next := blk.First + uint64(n); next > s.lastRead {
			s.lastRead = next
		}
		if s.lastRead > s.maxReadable {
			s.maxReadable = s.lastRead
		}
	} else {
		s.lastRead += uint64(n)
	}
	s.Health.RecordSuccess(gap)
	return w, nil
}
