package risk

// outcomeRing is a fixed-capacity FIFO of trade outcomes; pushing past
// capacity evicts the oldest entry.
type outcomeRing struct {
	buf   []bool
	start int
	size  int
	wins  int
}

func newOutcomeRing(capacity int) *outcomeRing {
	return &outcomeRing{buf: make([]bool, capacity)}
}

func (r *outcomeRing) Push(win bool) {
	if len(r.buf) == 0 {
		return
	}
	if r.size == len(r.buf) {
		if r.buf[r.start] {
			r.wins--
		}
		r.buf[r.start] = win
		r.start = (r.start + 1) % len(r.buf)
	} else {
		r.buf[(r.start+r.size)%len(r.buf)] = win
		r.size++
	}
	if win {
		r.wins++
	}
}

func (r *outcomeRing) Len() int {
	return r.size
}

func (r *outcomeRing) Cap() int {
	return len(r.buf)
}

func (r *outcomeRing) Wins() int {
	return r.wins
}

// Values returns the outcomes oldest first.
func (r *outcomeRing) Values() []bool {
	out := make([]bool, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
