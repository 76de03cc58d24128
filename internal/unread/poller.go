package unread

import (
	"context"
	"math/rand"
	"time"

	"github.com/pawpal/livenotify/internal/liveconn"
	"github.com/pawpal/livenotify/internal/retry"
)

// Run judges the live connection every PollInterval (with jitter) until ctx
// ends. A silent or closed connection is demoted and rechecked; while it is not
// trusted each tick runs a regular check, which falls back to REST.
func (s *Store) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	for {
		interval := jitteredIntervalWithSample(s.opts.PollInterval, s.opts.PollJitter, rng.Float64())
		if err := retry.Wait(ctx, s.clock, interval); err != nil {
			return err
		}
		s.tick(ctx)
	}
}

func (s *Store) tick(ctx context.Context) {
	var live liveconn.Liveness
	if s.live != nil {
		live = s.live.Liveness()
	}
	now := s.clock.Now()

	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return
	}
	recheck := false
	switch {
	case !s.connected:
		s.demoteLocked()
		recheck = true
	case s.silent(live, now):
		s.demoteLocked()
		recheck = true
	}
	phase := s.phase
	s.mu.Unlock()

	if recheck {
		s.logger.Info().Str("phase", phase.String()).Msg("live connection not trusted; rechecking")
		if s.live != nil {
			s.live.ReconnectIfNeeded()
		}
	}
	s.CheckUnreadMessages(ctx, false)
}

// silent reports a connection with no inbound traffic for LivenessTimeout.
func (s *Store) silent(live liveconn.Liveness, now time.Time) bool {
	last := live.LastInboundAt
	if last.IsZero() {
		last = live.ConnectedAt
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > s.opts.LivenessTimeout
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
