package hwmedia

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var errFakeRejected = errors.New("invalid argument")

// fakeM2M is an in-memory V4L2 memory-to-memory encoder. It consumes one
// OUTPUT buffer per queued picture and writes an Annex B access unit into
// the next queued CAPTURE buffer.
type fakeM2M struct {
	mu sync.Mutex

	path           string
	caps           deviceCapability
	captureFormats []uint32

	// Format negotiation knobs.
	outputFourcc  uint32 // fourcc reported back for OUTPUT (default NM12)
	strideAlign   int    // bytesperline is the width rounded up to this
	captureSize   uint32 // CAPTURE sizeimage (0 = keep the request)
	captureFourcc uint32 // CAPTURE fourcc reported back (0 = as requested)
	grant         map[uint32]int

	// Failure injection.
	failOn         map[string]error
	rejectControls map[uint32]bool
	rejectValues   map[uint32]int32 // reject only this value of a control
	stallCapture   bool             // never produce a bitstream
	holdOutput     bool             // never give OUTPUT buffers back
	noKeyFlag      bool             // leave the keyframe flag off CAPTURE buffers
	flagError      bool             // mark produced CAPTURE buffers as corrupt

	// Observations.
	calls          []string
	controls       map[uint32]int32
	controlLog     []uint32
	frameIntervals []uint32
	queuedOutput   []queueRequest
	maxOutputBusy  int
	frames         int
	closes         int

	codec    VideoCodec
	outW     int
	outH     int
	outPlane []planeSize
	queues   map[uint32]*fakeQueue
	backing  map[uint32]*fakeBacking
	nextOff  uint32
	forceKey bool
	closed   bool
}

type fakeQueue struct {
	memory    uint32
	bufs      []*fakeBuf
	pending   []int // queued OUTPUT buffers not yet consumed
	done      []int // buffers ready for DQBUF
	streaming bool
}

type fakeBuf struct {
	planes    [][]byte
	queued    bool
	bytesUsed []uint32
	flags     uint32
	timestamp time.Duration
	sequence  uint32
	req       queueRequest
}

type fakeBacking struct {
	bufType uint32
	data    []byte
	mapped  int
}

func newFakeM2M() *fakeM2M {
	return &fakeM2M{
		path: "/dev/video11",
		caps: deviceCapability{
			Driver:       "fake-enc",
			Card:         "fake encoder",
			BusInfo:      "platform:fake",
			Capabilities: v4l2CapDeviceCaps | v4l2CapVideoM2MMplane | v4l2CapStreaming,
			DeviceCaps:   v4l2CapVideoM2MMplane | v4l2CapStreaming,
		},
		captureFormats: []uint32{v4l2PixFmtH264, v4l2PixFmtHEVC},
		outputFourcc:   v4l2PixFmtNV12M,
		strideAlign:    1,
		grant:          map[uint32]int{},
		failOn:         map[string]error{},
		rejectControls: map[uint32]bool{},
		rejectValues:   map[uint32]int32{},
		controls:       map[uint32]int32{},
		queues:         map[uint32]*fakeQueue{},
		backing:        map[uint32]*fakeBacking{},
		codec:          VideoCodecH264,
	}
}

func (f *fakeM2M) fail(op string) error {
	f.calls = append(f.calls, op)
	if f.closed && op != "CLOSE" {
		return fmt.Errorf("%s: %w", op, errDeviceGone)
	}
	if err, ok := f.failOn[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *fakeM2M) QueryCapability() (deviceCapability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("QUERYCAP"); err != nil {
		return deviceCapability{}, err
	}
	return f.caps, nil
}

func (f *fakeM2M) EnumFormats(bufType uint32) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ENUM_FMT"); err != nil {
		return nil, err
	}
	if bufType == v4l2BufTypeCaptureMplane {
		return f.captureFormats, nil
	}
	return []uint32{v4l2PixFmtNV12M}, nil
}

func (f *fakeM2M) SetFormat(req *formatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("S_FMT_" + bufTypeName(req.BufType)); err != nil {
		return err
	}

	if req.BufType == v4l2BufTypeCaptureMplane {
		switch req.PixelFormat {
		case v4l2PixFmtHEVC:
			f.codec = VideoCodecH265
		default:
			f.codec = VideoCodecH264
		}
		if f.captureFourcc != 0 {
			req.PixelFormat = f.captureFourcc
		}
		if f.captureSize != 0 {
			req.Planes = []planeSize{{SizeImage: f.captureSize}}
		}
		return nil
	}

	w, h := int(req.Width), int(req.Height)
	stride := (w + f.strideAlign - 1) / f.strideAlign * f.strideAlign
	ch := chromaHeight(h)
	req.PixelFormat = f.outputFourcc
	req.Field = v4l2FieldNone
	if f.outputFourcc == v4l2PixFmtNV12 {
		req.Planes = []planeSize{{SizeImage: uint32(stride * (h + ch)), BytesPerLine: uint32(stride)}}
	} else {
		req.Planes = []planeSize{
			{SizeImage: uint32(stride * h), BytesPerLine: uint32(stride)},
			{SizeImage: uint32(stride * ch), BytesPerLine: uint32(stride)},
		}
	}
	f.outW, f.outH = w, h
	f.outPlane = req.Planes
	return nil
}

func (f *fakeM2M) SetControl(id uint32, value int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("S_CTRL"); err != nil {
		return err
	}
	f.controlLog = append(f.controlLog, id)
	if v, ok := f.rejectValues[id]; f.rejectControls[id] || (ok && v == value) {
		return errFakeRejected
	}
	f.controls[id] = value
	if id == v4l2CIDForceKeyFrame {
		f.forceKey = true
	}
	return nil
}

func (f *fakeM2M) SetFrameInterval(bufType uint32, numerator, denominator uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("S_PARM"); err != nil {
		return err
	}
	f.frameIntervals = append(f.frameIntervals, denominator/numerator)
	return nil
}

func (f *fakeM2M) RequestBuffers(bufType, memory uint32, count int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("REQBUFS_" + bufTypeName(bufType)); err != nil {
		return 0, err
	}

	if count == 0 {
		for _, b := range f.backing {
			if b.bufType == bufType && b.mapped > 0 {
				return 0, fmt.Errorf("REQBUFS 0 on %s: buffers still mapped", bufTypeName(bufType))
			}
		}
		for off, b := range f.backing {
			if b.bufType == bufType {
				delete(f.backing, off)
			}
		}
		delete(f.queues, bufType)
		return 0, nil
	}

	if n, ok := f.grant[bufType]; ok {
		count = n
	}
	q := &fakeQueue{memory: memory}
	for range count {
		buf := &fakeBuf{}
		var sizes []uint32
		if bufType == v4l2BufTypeCaptureMplane {
			size := f.captureSize
			if size == 0 {
				size = captureSizeHint(f.outW, f.outH)
			}
			sizes = []uint32{size}
		} else {
			for _, p := range f.outPlane {
				sizes = append(sizes, p.SizeImage)
			}
		}
		for _, size := range sizes {
			buf.planes = append(buf.planes, make([]byte, size))
		}
		q.bufs = append(q.bufs, buf)
	}
	f.queues[bufType] = q
	return count, nil
}

func (f *fakeM2M) QueryBuffer(bufType, memory uint32, index, numPlanes int) ([]planeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("QUERYBUF_" + bufTypeName(bufType)); err != nil {
		return nil, err
	}
	q := f.queues[bufType]
	if q == nil || index >= len(q.bufs) {
		return nil, errFakeRejected
	}
	buf := q.bufs[index]
	if numPlanes != len(buf.planes) {
		return nil, fmt.Errorf("QUERYBUF with %d planes, buffer has %d", numPlanes, len(buf.planes))
	}
	infos := make([]planeInfo, len(buf.planes))
	for i, p := range buf.planes {
		off := f.nextOff
		f.nextOff += 0x1000
		f.backing[off] = &fakeBacking{bufType: bufType, data: p}
		infos[i] = planeInfo{Length: uint32(len(p)), Offset: off}
	}
	return infos, nil
}

func (f *fakeM2M) Map(offset uint32, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MMAP"); err != nil {
		return nil, err
	}
	b := f.backing[offset]
	if b == nil || length > len(b.data) {
		return nil, errFakeRejected
	}
	b.mapped++
	return b.data[:length], nil
}

func (f *fakeM2M) Unmap(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MUNMAP"); err != nil {
		return err
	}
	for _, b := range f.backing {
		if len(data) > 0 && len(b.data) > 0 && &b.data[0] == &data[0] && b.mapped > 0 {
			b.mapped--
			return nil
		}
	}
	return errors.New("munmap of unknown region")
}

func (f *fakeM2M) QueueBuffer(req queueRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("QBUF_" + bufTypeName(req.BufType)); err != nil {
		return err
	}
	q := f.queues[req.BufType]
	if q == nil || req.Index < 0 || req.Index >= len(q.bufs) {
		return errFakeRejected
	}
	if req.Memory != q.memory {
		return fmt.Errorf("QBUF memory %d on a queue of memory %d", req.Memory, q.memory)
	}
	buf := q.bufs[req.Index]
	if buf.queued {
		return fmt.Errorf("QBUF of %s buffer %d already owned by the driver", bufTypeName(req.BufType), req.Index)
	}
	buf.queued = true
	buf.req = req

	if req.BufType == v4l2BufTypeOutputMplane {
		f.queuedOutput = append(f.queuedOutput, req)
		q.pending = append(q.pending, req.Index)
		busy := 0
		for _, b := range q.bufs {
			if b.queued {
				busy++
			}
		}
		f.maxOutputBusy = max(f.maxOutputBusy, busy)
	}
	f.pump()
	return nil
}

// pump encodes every consumable OUTPUT buffer.
func (f *fakeM2M) pump() {
	out, capq := f.queues[v4l2BufTypeOutputMplane], f.queues[v4l2BufTypeCaptureMplane]
	if out == nil || capq == nil || !out.streaming || !capq.streaming || f.stallCapture {
		return
	}
	for len(out.pending) > 0 {
		ci := -1
		for i, b := range capq.bufs {
			if b.queued && !containsInt(capq.done, i) {
				ci = i
				break
			}
		}
		if ci < 0 {
			return
		}
		oi := out.pending[0]
		out.pending = out.pending[1:]
		src := out.bufs[oi]
		if !f.holdOutput {
			out.done = append(out.done, oi)
		}

		key := f.forceKey || f.frames == 0
		f.forceKey = false
		au := fakeAccessUnit(f.codec, key, src)

		dst := capq.bufs[ci]
		n := copy(dst.planes[0], au)
		dst.bytesUsed = []uint32{uint32(n)}
		dst.flags = v4l2BufFlagPFrame
		if key {
			dst.flags = v4l2BufFlagKeyframe
			if f.noKeyFlag {
				dst.flags = 0
			}
		}
		if f.flagError {
			dst.flags |= v4l2BufFlagError
		}
		dst.timestamp = src.req.Timestamp
		dst.sequence = uint32(f.frames)
		capq.done = append(capq.done, ci)
		f.frames++
	}
}

// fakeAccessUnit builds a one-NAL access unit whose payload echoes the
// first luma and chroma bytes of the consumed picture.
func fakeAccessUnit(codec VideoCodec, key bool, src *fakeBuf) []byte {
	au := []byte{0, 0, 0, 1}
	switch {
	case codec == VideoCodecH265 && key:
		au = append(au, 0x26, 0x01)
	case codec == VideoCodecH265:
		au = append(au, 0x02, 0x01)
	case key:
		au = append(au, 0x65)
	default:
		au = append(au, 0x41)
	}
	if len(src.planes) > 0 && src.req.Memory == v4l2MemoryMMAP {
		au = append(au, src.planes[0][:4]...)
		chroma := src.planes[len(src.planes)-1]
		if len(src.planes) == 1 {
			chroma = chroma[len(chroma)*2/3:]
		}
		au = append(au, chroma[:2]...)
	} else {
		for _, p := range src.req.Planes {
			au = append(au, byte(p.FD))
		}
	}
	return au
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func (f *fakeM2M) DequeueBuffer(bufType, memory uint32, numPlanes int) (dequeuedBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("DQBUF_" + bufTypeName(bufType)); err != nil {
		return dequeuedBuffer{}, err
	}
	q := f.queues[bufType]
	if q == nil || len(q.done) == 0 {
		return dequeuedBuffer{}, fmt.Errorf("DQBUF_%s: %w", bufTypeName(bufType), errWouldBlock)
	}
	idx := q.done[0]
	q.done = q.done[1:]
	buf := q.bufs[idx]
	buf.queued = false

	d := dequeuedBuffer{Index: idx}
	if bufType == v4l2BufTypeCaptureMplane {
		d.Flags = buf.flags
		d.BytesUsed = buf.bytesUsed
		d.Timestamp = buf.timestamp
		d.Sequence = buf.sequence
	}
	return d, nil
}

func (f *fakeM2M) StreamOn(bufType uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("STREAMON_" + bufTypeName(bufType)); err != nil {
		return err
	}
	q := f.queues[bufType]
	if q == nil {
		return errFakeRejected
	}
	q.streaming = true
	f.pump()
	return nil
}

func (f *fakeM2M) StreamOff(bufType uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("STREAMOFF_" + bufTypeName(bufType)); err != nil {
		return err
	}
	q := f.queues[bufType]
	if q == nil {
		return nil
	}
	q.streaming = false
	q.pending, q.done = nil, nil
	for _, b := range q.bufs {
		b.queued = false
	}
	return nil
}

func (f *fakeM2M) WaitReadable(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("POLL"); err != nil {
		return false, err
	}
	q := f.queues[v4l2BufTypeCaptureMplane]
	return q != nil && len(q.done) > 0, nil
}

func (f *fakeM2M) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if err := f.fail("CLOSE"); err != nil {
		return err
	}
	f.closed = true
	return nil
}

// releaseOutput hands every consumed OUTPUT buffer back, as a driver does
// once it has read them.
func (f *fakeM2M) releaseOutput() {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[v4l2BufTypeOutputMplane]
	for i, b := range q.bufs {
		if b.queued && !containsInt(q.pending, i) && !containsInt(q.done, i) {
			q.done = append(q.done, i)
		}
	}
}

// outputPlanes returns the backing planes of OUTPUT buffer index.
func (f *fakeM2M) outputPlanes(index int) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queues[v4l2BufTypeOutputMplane].bufs[index].planes
}

func (f *fakeM2M) lastOutput() queueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queuedOutput[len(f.queuedOutput)-1]
}

func (f *fakeM2M) set(fn func(f *fakeM2M)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// outstandingMaps counts live mappings.
func (f *fakeM2M) outstandingMaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.backing {
		n += b.mapped
	}
	return n
}

func (f *fakeM2M) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeM2M) control(id uint32) (int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.controls[id]
	return v, ok
}

func (f *fakeM2M) queuedBuffers(bufType uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[bufType]
	if q == nil {
		return 0
	}
	n := 0
	for _, b := range q.bufs {
		if b.queued {
			n++
		}
	}
	return n
}

// fakeRegistry serves fake devices by path and counts opens.
type fakeRegistry struct {
	mu      sync.Mutex
	devices map[string]*fakeM2M
	opens   map[string]int
	openErr map[string]error
}

func (r *fakeRegistry) open(path string) (m2mDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens[path]++
	if err := r.openErr[path]; err != nil {
		return nil, err
	}
	dev, ok := r.devices[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	// Each open gets a fresh descriptor.
	dev.mu.Lock()
	dev.closed = false
	dev.mu.Unlock()
	return dev, nil
}

// installFakeDevices creates dir/videoN entries for every device and
// points deviceDir/openDevice at them for the duration of the test.
func installFakeDevices(t *testing.T, devices map[string]*fakeM2M) (string, *fakeRegistry) {
	t.Helper()
	dir := t.TempDir()
	reg := &fakeRegistry{
		devices: map[string]*fakeM2M{},
		opens:   map[string]int{},
		openErr: map[string]error{},
	}
	for name, dev := range devices {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		dev.path = path
		reg.devices[path] = dev
	}

	oldDir, oldOpen := deviceDir, openDevice
	deviceDir, openDevice = dir, reg.open
	t.Cleanup(func() { deviceDir, openDevice = oldDir, oldOpen })
	return dir, reg
}

// nv12Frame returns a width x height NV12 frame with the given strides.
// Luma bytes hold y, chroma bytes alternate u and v.
func nv12Frame(width, height, lumaStride, chromaStride int, y, u, v byte) *VideoFrame {
	ch := chromaHeight(height)
	luma := make([]byte, lumaStride*height)
	chroma := make([]byte, chromaStride*ch)
	for r := range height {
		for x := range width {
			luma[r*lumaStride+x] = y
		}
	}
	for r := range ch {
		for x := 0; x < width; x += 2 {
			chroma[r*chromaStride+x] = u
			chroma[r*chromaStride+x+1] = v
		}
	}
	return &VideoFrame{
		Data:   [][]byte{luma, chroma},
		Stride: []int{lumaStride, chromaStride},
		Width:  width,
		Height: height,
		Format: PixelFormatNV12,
	}
}
