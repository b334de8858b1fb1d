package rtpsender

import (
	"context"

	"golang.org/x/time/rate"
)

// SetBitrate installs (or replaces) a token-bucket limiter capping the
// outgoing byte rate to bitrateBps, the same role golang.org/x/time/rate
// plays elsewhere in the pack for output shaping. Burst is sized to one
// MTU-sized packet so a single oversized FU-A fragment train isn't
// stalled mid-packet, only the steady-state rate is capped. A
// bitrateBps of 0 or less disables limiting.
func (s *Sender) SetBitrate(bitrateBps int64) {
	if bitrateBps <= 0 {
		s.mu.Lock()
		s.Limiter = nil
		s.mu.Unlock()
		return
	}
	limiter := rate.NewLimiter(rate.Limit(bitrateBps/8), mtuPayloadBytes)
	s.mu.Lock()
	s.Limiter = limiter
	s.mu.Unlock()
}

func (s *Sender) waitForBudget(n int) error {
	s.mu.Lock()
	limiter := s.Limiter
	s.mu.Unlock()
	if limiter == nil {
		return nil
	}
	return limiter.WaitN(context.Background(), n)
}
