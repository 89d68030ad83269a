package rate

import "math"

const (
	// Accuracy bounds the burst search: a stream whose ideal IAT is already
	// within Accuracy of an integer gains nothing from larger bursts.
	Accuracy = 0.001

	// Overhead is preamble, start delimiter and inter frame gap in bytes.
	Overhead = 20

	// MaxTimer is the largest timer the packet generator accepts (32 bit ns).
	MaxTimer = math.MaxUint32
)

// Solution is a periodic burst: Packets frames every Timeout nanoseconds.
type Solution struct {
	Packets uint16
	Timeout uint32
}

// Rate returns the bit rate in Gbit/s that the solution achieves for frames
// of frameSize bytes on the wire.
func (s Solution) Rate(frameSize uint32) float64 {
	if s.Timeout == 0 {
		return 0
	}
	return 8 * float64(s.Packets) * float64(frameSize) / float64(s.Timeout)
}

// MppsToGbps converts a packet rate in Mpps into Gbit/s for frames of
// frameSize bytes, accounting for the per frame wire overhead.
func MppsToGbps(mpps float64, frameSize uint32) float64 {
	return float64(frameSize+Overhead) * 8 * mpps / 1000
}

// MaxBurst returns the upper bound of the burst search for the given rate
// (Gbit/s) and wire frame size.
func MaxBurst(rate float64, frameSize uint32, maxBurst uint16) int {
	if maxBurst <= 1 {
		return 1
	}
	iat := 8 * float64(frameSize+Overhead) / rate
	d := (iat - math.Floor(iat)) / iat
	limit := int(d/Accuracy) + 1
	if limit > int(maxBurst) {
		limit = int(maxBurst)
	}
	return limit
}

// Solve computes the burst size and timer that approximate rate (Gbit/s,
// i.e. bit/ns) for frames of frameSize bytes, frameSize already including
// the wire overhead. It minimises the byte deviation per period plus the
// burst size, subject to the generated rate never undershooting the target:
//
//	min  (rate*T - 8*n*frameSize)/8 + n
//	s.t. rate*T - 8*n*frameSize >= 0, 1 <= n <= MaxBurst, 1 <= T <= MaxTimer
//
// The search space is tiny (at most 1000 candidates), so every burst size is
// enumerated with its smallest feasible timer. Ties keep the smaller burst.
func Solve(rate float64, frameSize uint32, maxBurst uint16) Solution {
	best := Solution{Packets: 1, Timeout: MaxTimer}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) || frameSize == 0 {
		return best
	}

	bestObjective := math.Inf(1)
	limit := MaxBurst(rate, frameSize, maxBurst)
	for n := 1; n <= limit; n++ {
		bits := 8 * float64(n) * float64(frameSize)
		t, ok := minTimer(rate, bits)
		if !ok {
			continue
		}
		objective := (rate*t-bits)/8 + float64(n)
		if objective < bestObjective {
			bestObjective = objective
			best = Solution{Packets: uint16(n), Timeout: uint32(t)}
		}
	}
	return best
}

// minTimer returns the smallest integer T in [1, MaxTimer] with rate*T >= bits.
func minTimer(rate, bits float64) (float64, bool) {
	t := math.Ceil(bits / rate)
	if t < 1 {
		t = 1
	}
	// float rounding may leave ceil one step off in either direction
	if t > 1 && rate*(t-1) >= bits {
		t--
	}
	for rate*t < bits {
		t++
	}
	if t > MaxTimer {
		return 0, false
	}
	return t, true
}
