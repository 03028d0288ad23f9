package terminal

// ringBuffer keeps the last cap bytes of terminal output for replay.
// Callers synchronize access.
type ringBuffer struct {
	data []byte
	cap  int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{data: make([]byte, 0, cap), cap: cap}
}

func (rb *ringBuffer) Write(p []byte) {
	if rb.cap <= 0 {
		return
	}
	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.cap {
		rb.data = append(rb.data[:0], rb.data[len(rb.data)-rb.cap:]...)
	}
}

// Snapshot returns a copy of the buffered bytes.
func (rb *ringBuffer) Snapshot() []byte {
	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}
