package publish

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the retry schedule for failed publications.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// DefaultBackoff retries after 30s, 1m, 2m ... capped at 30m.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:      30 * time.Second,
		Max:       30 * time.Minute,
		MaxJitter: 10 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (1-based) of a
// receipt. The jitter is derived from the receipt ID and attempt, so two
// replicas compute the same schedule.
func (p BackoffPolicy) Delay(receiptID string, attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := p.Base * time.Duration(int64(1)<<exp)
	if delay > p.Max || delay <= 0 {
		delay = p.Max
	}
	return delay + p.jitter(receiptID, attempt)
}

func (p BackoffPolicy) jitter(receiptID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("publish:%s:%d", receiptID, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
