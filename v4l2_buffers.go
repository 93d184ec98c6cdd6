package hwmedia

import "fmt"

// mapping is one mmap'd plane. It is released exactly once.
type mapping struct {
	data     []byte
	released bool
}

func (m *mapping) release(dev m2mDevice) error {
	if m == nil || m.released {
		return nil
	}
	m.released = true
	data := m.data
	m.data = nil
	return dev.Unmap(data)
}

// bufferSlot is one kernel buffer of a queue. queued is true while the
// driver owns it, between QBUF and the matching DQBUF.
type bufferSlot struct {
	index  int
	planes []planeInfo
	maps   []*mapping // nil when the queue imports memory
	queued bool
}

// plane returns the mapped bytes of plane i, or nil.
func (s *bufferSlot) plane(i int) []byte {
	if i >= len(s.maps) || s.maps[i] == nil {
		return nil
	}
	return s.maps[i].data
}

// bufferSet is the pool of buffers of one queue.
type bufferSet struct {
	bufType   uint32
	memory    uint32
	numPlanes int
	requested bool
	slots     []bufferSlot
}

// allocateBufferSet requests count buffers, queries their planes and, for
// MMAP memory, maps and zero-fills every plane. On error the partially
// built set is returned so the caller can release it.
func allocateBufferSet(dev m2mDevice, bufType, memory uint32, numPlanes, count int) (*bufferSet, error) {
	set := &bufferSet{bufType: bufType, memory: memory, numPlanes: numPlanes}

	granted, err := dev.RequestBuffers(bufType, memory, count)
	if err != nil {
		return set, fmt.Errorf("request %d %s buffers: %w", count, bufTypeName(bufType), err)
	}
	set.requested = true
	if granted <= 0 {
		return set, fmt.Errorf("driver granted no %s buffers", bufTypeName(bufType))
	}

	set.slots = make([]bufferSlot, granted)
	for i := range set.slots {
		slot := &set.slots[i]
		slot.index = i

		planes, err := dev.QueryBuffer(bufType, memory, i, numPlanes)
		if err != nil {
			return set, fmt.Errorf("query %s buffer %d: %w", bufTypeName(bufType), i, err)
		}
		slot.planes = planes

		if memory != v4l2MemoryMMAP {
			continue
		}
		slot.maps = make([]*mapping, len(planes))
		for p, info := range planes {
			data, err := dev.Map(info.Offset, int(info.Length))
			if err != nil {
				return set, fmt.Errorf("map %s buffer %d plane %d: %w", bufTypeName(bufType), i, p, err)
			}
			clear(data)
			slot.maps[p] = &mapping{data: data}
		}
	}
	return set, nil
}

// inFlight counts buffers currently owned by the driver.
func (b *bufferSet) inFlight() int {
	if b == nil {
		return 0
	}
	n := 0
	for i := range b.slots {
		if b.slots[i].queued {
			n++
		}
	}
	return n
}

// maxPlaneLength returns the largest plane length of the pool.
func (b *bufferSet) maxPlaneLength() int {
	n := 0
	if b == nil {
		return n
	}
	for i := range b.slots {
		for _, p := range b.slots[i].planes {
			n = max(n, int(p.Length))
		}
	}
	return n
}

// markDequeued records that the driver returned buffer index.
func (b *bufferSet) markDequeued(index int) (*bufferSlot, error) {
	if index < 0 || index >= len(b.slots) {
		return nil, fmt.Errorf("driver returned %s buffer %d outside pool of %d", bufTypeName(b.bufType), index, len(b.slots))
	}
	slot := &b.slots[index]
	slot.queued = false
	return slot, nil
}

// unmap releases every mapping of the pool and forgets kernel ownership.
// It never stops at the first failure.
func (b *bufferSet) unmap(dev m2mDevice) []error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := range b.slots {
		for p, m := range b.slots[i].maps {
			if err := m.release(dev); err != nil {
				errs = append(errs, fmt.Errorf("unmap %s buffer %d plane %d: %w", bufTypeName(b.bufType), i, p, err))
			}
		}
		b.slots[i].queued = false
	}
	return errs
}

// free asks the driver to release the pool's buffers (REQBUFS with count 0).
func (b *bufferSet) free(dev m2mDevice) error {
	if b == nil || !b.requested {
		return nil
	}
	b.requested = false
	b.slots = nil
	if _, err := dev.RequestBuffers(b.bufType, b.memory, 0); err != nil {
		return fmt.Errorf("free %s buffers: %w", bufTypeName(b.bufType), err)
	}
	return nil
}
