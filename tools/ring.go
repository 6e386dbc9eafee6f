package tools

import (
	"fmt"
	"sync"
)

// OverflowPolicy selects what a full ring does with a new frame.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest unconsumed frame to make room. The
	// uplink ring uses this: stale microphone audio is worse than a gap.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming frame instead.
	DropNewest
)

type ringSlot struct {
	seq     uint64
	samples []int16
}

// Ring is a bounded single-producer/single-consumer frame buffer. It is
// the only crossing point between the device-callback domain and the
// network domain, so both sides hold its lock only long enough to copy
// one frame. Frames never block: overflow drops per the policy,
// starvation on the Read path substitutes silence.
//
// All frames in one ring share the same format; conversion happens at
// resampler boundaries, not here.
type Ring struct {
	mu        sync.Mutex
	slots     []ringSlot
	head      int // index of oldest frame
	size      int // frames currently held
	policy    OverflowPolicy
	format    Format
	hasFormat bool

	nextSeq   uint64
	overruns  uint64
	underruns uint64

	// readOff is the consumer's sample offset into the oldest frame,
	// advanced by Read and Pop.
	readOff int

	// popScratch backs the frame returned by Pop; single consumer, so
	// one buffer suffices. Valid until the next Pop.
	popScratch []int16
}

// NewRing creates a ring holding at most capacity frames.
func NewRing(capacity int, policy OverflowPolicy) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		slots:  make([]ringSlot, capacity),
		policy: policy,
	}
}

// Push copies samples into the ring as one frame and returns the number
// of frames dropped to make room. The frame's sequence number is
// assigned here, monotonically.
func (r *Ring) Push(format Format, samples []int16) (dropped int, err error) {
	if err := format.Validate(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasFormat {
		r.format = format
		r.hasFormat = true
	} else if r.format != format {
		return 0, fmt.Errorf("ring holds %s frames, refusing %s frame", r.format, format)
	}
	if r.size == len(r.slots) {
		r.overruns++
		if r.policy == DropNewest {
			return 1, nil
		}
		// Evict the oldest frame, discarding any partially consumed tail.
		r.head = (r.head + 1) % len(r.slots)
		r.size--
		r.readOff = 0
		dropped = 1
	}
	idx := (r.head + r.size) % len(r.slots)
	slot := &r.slots[idx]
	if cap(slot.samples) < len(samples) {
		slot.samples = make([]int16, len(samples))
	}
	slot.samples = slot.samples[:len(samples)]
	copy(slot.samples, samples)
	slot.seq = r.nextSeq
	r.nextSeq++
	r.size++
	return dropped, nil
}

// Pop removes and returns the oldest frame. The returned samples are
// backed by a scratch buffer owned by the ring and are valid until the
// next Pop. ok is false when the ring is empty.
func (r *Ring) Pop() (frame Frame, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return Frame{}, false
	}
	slot := &r.slots[r.head]
	remaining := slot.samples[r.readOff:]
	if cap(r.popScratch) < len(remaining) {
		r.popScratch = make([]int16, len(remaining))
	}
	r.popScratch = r.popScratch[:len(remaining)]
	copy(r.popScratch, remaining)
	frame = Frame{Seq: slot.seq, Format: r.format, Samples: r.popScratch}
	r.head = (r.head + 1) % len(r.slots)
	r.size--
	r.readOff = 0
	return frame, true
}

// Read fills p with little-endian PCM16 from queued frames, substituting
// silence when the ring is starved. It never blocks and never errors, so
// it can sit directly under an audio player. Each starved call counts
// one underrun.
func (r *Ring) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	usable := len(p) &^ 1
	filled := 0
	for filled < usable && r.size > 0 {
		slot := &r.slots[r.head]
		remaining := slot.samples[r.readOff:]
		want := (usable - filled) / 2
		n := min(want, len(remaining))
		for i := range n {
			s := uint16(remaining[i])
			p[filled+i*2] = byte(s)
			p[filled+i*2+1] = byte(s >> 8)
		}
		filled += n * 2
		r.readOff += n
		if r.readOff == len(slot.samples) {
			r.head = (r.head + 1) % len(r.slots)
			r.size--
			r.readOff = 0
		}
	}
	if filled < len(p) {
		if r.size == 0 && filled < usable {
			r.underruns++
		}
		for i := filled; i < len(p); i++ {
			p[i] = 0
		}
	}
	return len(p), nil
}

// Flush discards all queued frames and returns how many were dropped.
// Sequence numbering continues; the consumer still observes a strictly
// increasing sequence across a flush.
func (r *Ring) Flush() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	r.head = 0
	r.size = 0
	r.readOff = 0
	return n
}

// Len reports the number of queued frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Overruns reports how many times the ring was pushed while full.
func (r *Ring) Overruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}

// Underruns reports how many starved Read calls substituted silence.
func (r *Ring) Underruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.underruns
}
