package hwmedia

import "sync"

// framePool recycles the frame copies a pipeline queues for its encoder.
// Plane buffers are reused whenever they are large enough.
type framePool struct {
	pool sync.Pool
}

// copyOf returns a pooled deep copy of f.
func (p *framePool) copyOf(f *VideoFrame) *VideoFrame {
	dst, _ := p.pool.Get().(*VideoFrame)
	if dst == nil {
		dst = &VideoFrame{}
	}

	if cap(dst.Data) < len(f.Data) {
		dst.Data = append(dst.Data[:cap(dst.Data)], make([][]byte, len(f.Data)-cap(dst.Data))...)
	}
	dst.Data = dst.Data[:len(f.Data)]
	for i, plane := range f.Data {
		if cap(dst.Data[i]) < len(plane) {
			dst.Data[i] = make([]byte, len(plane))
		}
		dst.Data[i] = dst.Data[i][:len(plane)]
		copy(dst.Data[i], plane)
	}

	dst.Stride = append(dst.Stride[:0], f.Stride...)
	dst.Width = f.Width
	dst.Height = f.Height
	dst.Format = f.Format
	dst.Timestamp = f.Timestamp
	dst.Duration = f.Duration
	return dst
}

// put returns a frame obtained from copyOf. The caller must not use it
// afterwards.
func (p *framePool) put(f *VideoFrame) {
	if f != nil {
		p.pool.Put(f)
	}
}
