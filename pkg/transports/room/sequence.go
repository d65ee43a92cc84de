package room

// reorderWindow is how far before the first packet a late packet may land
// and still be played. The first packet maps to this value, so the playback
// sink sees a short gap at the start of the stream and skips it on its gap
// timer unless the earlier packets turn up.
const reorderWindow = 64

// seqUnwrapper extends 16-bit RTP sequence numbers to a monotonic 64-bit
// counter.
type seqUnwrapper struct {
	started bool
	last    uint16
	cycles  int64
	base    int64
}

// next returns the extended sequence, or ok=false for packets more than
// reorderWindow older than the first one received.
func (u *seqUnwrapper) next(seq uint16) (uint64, bool) {
	if !u.started {
		u.started = true
		u.last = seq
		u.base = int64(seq) - reorderWindow
		return reorderWindow, true
	}
	cycles := u.cycles
	switch {
	case seq < u.last && u.last-seq > 0x8000:
		cycles++
	case seq > u.last && seq-u.last > 0x8000:
		cycles--
	}
	ext := cycles<<16 | int64(seq)
	if ext < u.base {
		return 0, false
	}
	if ext > u.cycles<<16|int64(u.last) {
		u.cycles = cycles
		u.last = seq
	}
	return uint64(ext - u.base), true
}
