package voice

// silence is the μ-law encoding of a zero sample.
const silence byte = 0xFF

// Framer cuts a byte stream into fixed-size transport frames.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a framer emitting size-byte frames.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = 160
	}
	return &Framer{size: size, buf: make([]byte, 0, size)}
}

// Push appends chunk and returns every complete frame.
func (f *Framer) Push(chunk []byte) [][]byte {
	var frames [][]byte
	for len(chunk) > 0 {
		n := f.size - len(f.buf)
		if n > len(chunk) {
			n = len(chunk)
		}
		f.buf = append(f.buf, chunk[:n]...)
		chunk = chunk[n:]
		if len(f.buf) == f.size {
			frames = append(frames, f.buf)
			f.buf = make([]byte, 0, f.size)
		}
	}
	return frames
}

// Flush returns the buffered remainder padded with silence, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	out := f.buf
	for len(out) < f.size {
		out = append(out, silence)
	}
	f.buf = make([]byte, 0, f.size)
	return out
}

// Buffered reports bytes waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }
