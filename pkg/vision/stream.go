package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStreamStopped is returned by Stream.Capture once Run has returned.
var ErrStreamStopped = errors.New("frame stream stopped")

// Stream polls a Camera at a fixed rate and keeps only the newest frame.
// Consumers never see a backlog: a slow control loop skips frames instead
// of queueing them.
type Stream struct {
	camera      Camera
	limiter     *rate.Limiter
	logger      *zap.Logger
	maxFailures int

	mu      sync.Mutex
	latest  *Frame
	seq     uint64
	notify  chan struct{} // closed and replaced on every publish
	stopped bool
}

var _ Camera = (*Stream)(nil)

// NewStream returns a stream capturing at most fps frames per second.
func NewStream(camera Camera, fps float64, logger *zap.Logger) *Stream {
	if fps <= 0 {
		fps = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		camera:      camera,
		limiter:     rate.NewLimiter(rate.Limit(fps), 1),
		logger:      logger.Named("stream"),
		maxFailures: 10,
		notify:      make(chan struct{}),
	}
}

// Run captures until ctx is done or the camera keeps failing.
func (s *Stream) Run(ctx context.Context) error {
	defer s.stop()

	failures := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		f, err := s.camera.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Warn("capture failed", zap.Error(err), zap.Int("consecutive", failures))
			if failures >= s.maxFailures {
				return fmt.Errorf("capture frames: %w", err)
			}
			continue
		}
		failures = 0
		s.publish(f)
	}
}

func (s *Stream) publish(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	out := *f
	out.Seq = s.seq
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	s.latest = &out
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Stream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.notify)
	}
}

// Capture returns the first frame published after the call. It implements
// Camera so components can use a Stream or a bare camera interchangeably.
func (s *Stream) Capture(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	after := s.seq
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.latest != nil && s.latest.Seq > after {
			f := s.latest
			s.mu.Unlock()
			return f, nil
		}
		if s.stopped {
			s.mu.Unlock()
			return nil, ErrStreamStopped
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Latest returns the newest frame without waiting, or nil.
func (s *Stream) Latest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}
