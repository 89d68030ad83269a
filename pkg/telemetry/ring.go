package telemetry

// Ring keeps the most recent values up to its capacity.
type Ring struct {
	buf   []uint64
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]uint64, capacity)}
}

// Push appends v, evicting the oldest value when full.
func (r *Ring) Push(v uint64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int { return r.n }

func (r *Ring) Cap() int { return len(r.buf) }

// Values returns a copy, oldest first.
func (r *Ring) Values() []uint64 {
	out := make([]uint64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
