// Package noise produces the randomized amount and timing perturbations
// applied to stream payments. The draw is a pure function of the seed
// material, so a preview computed before submission is identical to what is
// actually charged, while the sequence stays unpredictable to anyone who
// does not hold the owner's key.
package noise

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

// Noise is one payment's perturbation.
type Noise struct {
	AmountDelta float64       `json:"amount_delta"`
	TimingDelta time.Duration `json:"timing_delta"`
}

// SeedMaterial derives the per-payment seed from the stream identity and the
// payment index, mixed with the owner's key material when available.
func SeedMaterial(streamID string, paymentIndex int, ownerKey []byte) []byte {
	mac := hmac.New(sha256.New, ownerKey)
	fmt.Fprintf(mac, "%s:%d", streamID, paymentIndex)
	return mac.Sum(nil)
}

// Compute draws the amount and timing deltas for one payment of s.
//
// AmountDelta is uniform in [-amount*pct/100, +amount*pct/100], zero when the
// stream has no amount noise configured; TimingDelta is uniform in
// [-h hours, +h hours] likewise.
func Compute(s *stream.Stream, seed []byte) Noise {
	var n Noise
	if s.AmountNoisePct > 0 {
		bound := s.Amount * s.AmountNoisePct / 100
		n.AmountDelta = bound * draw(seed, 0)
	}
	if s.TimingNoiseHours > 0 {
		bound := s.TimingNoiseHours * float64(time.Hour)
		n.TimingDelta = time.Duration(bound * draw(seed, 1))
	}
	return n
}

// draw maps (seed, lane) to a uniform value in [-1, 1).
func draw(seed []byte, lane byte) float64 {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte{lane})
	sum := mac.Sum(nil)
	u := binary.BigEndian.Uint64(sum[:8])
	unit := float64(u) / math.MaxUint64 // [0, 1)
	return 2*unit - 1
}
