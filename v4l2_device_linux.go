//go:build linux && (amd64 || arm64)

package hwmedia

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel structures, laid out for 64-bit targets.

type v4l2Capability struct {
	Driver       [16]uint8
	Card         [32]uint8
	BusInfo      [32]uint8
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

type v4l2FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]uint8
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

type v4l2PlanePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
	Reserved     [6]uint16
}

type v4l2PixFormatMplane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [8]v4l2PlanePixFormat
	NumPlanes    uint8
	Flags        uint8
	YCbCrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	Reserved     [7]uint8
}

type v4l2Format struct {
	Type  uint32
	_     uint32
	PixMP v4l2PixFormatMplane
	_     [8]uint8
}

type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type v4l2Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type v4l2Plane struct {
	BytesUsed  uint32
	Length     uint32
	M          uint64 // mem_offset for MMAP, fd for DMABUF
	DataOffset uint32
	Reserved   [11]uint32
}

type v4l2Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32
	Timestamp unix.Timeval
	Timecode  v4l2Timecode
	Sequence  uint32
	Memory    uint32
	Planes    unsafe.Pointer
	Length    uint32
	Reserved2 uint32
	RequestFD int32
	_         uint32
}

type v4l2Control struct {
	ID    uint32
	Value int32
}

type v4l2Fract struct {
	Numerator   uint32
	Denominator uint32
}

type v4l2OutputParm struct {
	Capability   uint32
	OutputMode   uint32
	TimePerFrame v4l2Fract
	ExtendedMode uint32
	WriteBuffers uint32
	Reserved     [4]uint32
}

type v4l2StreamParm struct {
	Type   uint32
	Output v4l2OutputParm
	_      [160]uint8
}

var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2FmtDesc{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormatMplane{}) - 192]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Plane{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2StreamParm{}) - 204]struct{}{}
)

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocQueryCap  = ioc(iocRead, 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt   = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(v4l2FmtDesc{}))
	vidiocSFmt      = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqBufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQueryBuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQBuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDQBuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamOn  = ioc(iocWrite, 18, unsafe.Sizeof(int32(0)))
	vidiocStreamOff = ioc(iocWrite, 19, unsafe.Sizeof(int32(0)))
	vidiocSParm     = ioc(iocRead|iocWrite, 22, unsafe.Sizeof(v4l2StreamParm{}))
	vidiocSCtrl     = ioc(iocRead|iocWrite, 28, unsafe.Sizeof(v4l2Control{}))
)

// ioctlError keeps the errno of a failed request and maps it onto the
// engine's sentinel errors.
type ioctlError struct {
	op    string
	errno unix.Errno
}

func (e *ioctlError) Error() string { return e.op + ": " + e.errno.Error() }

func (e *ioctlError) Unwrap() error { return e.errno }

func (e *ioctlError) Is(target error) bool {
	switch target {
	case errWouldBlock:
		return e.errno == unix.EAGAIN
	case errDeviceGone:
		return e.errno == unix.ENODEV || e.errno == unix.EBADF
	}
	return false
}

type kernelDevice struct {
	fd   int
	path string
}

func openKernelDevice(path string) (m2mDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &kernelDevice{fd: fd, path: path}, nil
}

// maxEINTRRetries bounds how often an interrupted ioctl is restarted.
const maxEINTRRetries = 16

// ioctl issues a request, retrying when interrupted by a signal.
func (d *kernelDevice) ioctl(op string, req uintptr, arg unsafe.Pointer) error {
	return retryEINTR(op, func() unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		return errno
	})
}

func retryEINTR(op string, call func() unix.Errno) error {
	var errno unix.Errno
	for range maxEINTRRetries + 1 {
		if errno = call(); errno != unix.EINTR {
			break
		}
	}
	if errno == 0 {
		return nil
	}
	return &ioctlError{op: op, errno: errno}
}

func (d *kernelDevice) QueryCapability() (deviceCapability, error) {
	var c v4l2Capability
	if err := d.ioctl("VIDIOC_QUERYCAP", vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return deviceCapability{}, err
	}
	return deviceCapability{
		Driver:       cString(c.Driver[:]),
		Card:         cString(c.Card[:]),
		BusInfo:      cString(c.BusInfo[:]),
		Capabilities: c.Capabilities,
		DeviceCaps:   c.DeviceCaps,
	}, nil
}

func (d *kernelDevice) EnumFormats(bufType uint32) ([]uint32, error) {
	var formats []uint32
	for i := uint32(0); ; i++ {
		desc := v4l2FmtDesc{Index: i, Type: bufType}
		if err := d.ioctl("VIDIOC_ENUM_FMT", vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			// EINVAL marks the end of the list.
			if errors.Is(err, unix.EINVAL) {
				return formats, nil
			}
			return formats, err
		}
		formats = append(formats, desc.PixelFormat)
	}
}

func (d *kernelDevice) SetFormat(req *formatRequest) error {
	f := v4l2Format{Type: req.BufType}
	f.PixMP.Width = req.Width
	f.PixMP.Height = req.Height
	f.PixMP.PixelFormat = req.PixelFormat
	f.PixMP.Field = req.Field
	f.PixMP.Colorspace = req.Colorspace
	f.PixMP.NumPlanes = uint8(len(req.Planes))
	for i, p := range req.Planes {
		f.PixMP.PlaneFmt[i].SizeImage = p.SizeImage
		f.PixMP.PlaneFmt[i].BytesPerLine = p.BytesPerLine
	}

	if err := d.ioctl("VIDIOC_S_FMT "+bufTypeName(req.BufType), vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return err
	}

	req.Width = f.PixMP.Width
	req.Height = f.PixMP.Height
	req.PixelFormat = f.PixMP.PixelFormat
	req.Field = f.PixMP.Field
	req.Colorspace = f.PixMP.Colorspace
	n := min(int(f.PixMP.NumPlanes), len(f.PixMP.PlaneFmt))
	req.Planes = make([]planeSize, n)
	for i := range n {
		req.Planes[i] = planeSize{
			SizeImage:    f.PixMP.PlaneFmt[i].SizeImage,
			BytesPerLine: f.PixMP.PlaneFmt[i].BytesPerLine,
		}
	}
	return nil
}

func (d *kernelDevice) SetControl(id uint32, value int32) error {
	c := v4l2Control{ID: id, Value: value}
	return d.ioctl(fmt.Sprintf("VIDIOC_S_CTRL 0x%08x", id), vidiocSCtrl, unsafe.Pointer(&c))
}

func (d *kernelDevice) SetFrameInterval(bufType uint32, numerator, denominator uint32) error {
	p := v4l2StreamParm{Type: bufType}
	p.Output.TimePerFrame = v4l2Fract{Numerator: numerator, Denominator: denominator}
	return d.ioctl("VIDIOC_S_PARM", vidiocSParm, unsafe.Pointer(&p))
}

func (d *kernelDevice) RequestBuffers(bufType, memory uint32, count int) (int, error) {
	r := v4l2RequestBuffers{Count: uint32(count), Type: bufType, Memory: memory}
	if err := d.ioctl("VIDIOC_REQBUFS "+bufTypeName(bufType), vidiocReqBufs, unsafe.Pointer(&r)); err != nil {
		return 0, err
	}
	return int(r.Count), nil
}

func (d *kernelDevice) QueryBuffer(bufType, memory uint32, index, numPlanes int) ([]planeInfo, error) {
	planes := make([]v4l2Plane, numPlanes)
	b := v4l2Buffer{
		Index:  uint32(index),
		Type:   bufType,
		Memory: memory,
		Planes: unsafe.Pointer(&planes[0]),
		Length: uint32(numPlanes),
	}
	err := d.ioctl("VIDIOC_QUERYBUF "+bufTypeName(bufType), vidiocQueryBuf, unsafe.Pointer(&b))
	runtime.KeepAlive(planes)
	if err != nil {
		return nil, err
	}

	info := make([]planeInfo, min(int(b.Length), numPlanes))
	for i := range info {
		info[i] = planeInfo{Length: planes[i].Length, Offset: uint32(planes[i].M)}
	}
	return info, nil
}

func (d *kernelDevice) QueueBuffer(req queueRequest) error {
	planes := make([]v4l2Plane, len(req.Planes))
	for i, p := range req.Planes {
		planes[i] = v4l2Plane{BytesUsed: p.BytesUsed, Length: p.Length, DataOffset: p.DataOffset}
		if req.Memory == v4l2MemoryDMABUF {
			planes[i].M = uint64(uint32(int32(p.FD)))
		}
	}
	b := v4l2Buffer{
		Index:     uint32(req.Index),
		Type:      req.BufType,
		Flags:     req.Flags,
		Field:     v4l2FieldNone,
		Timestamp: unix.NsecToTimeval(req.Timestamp.Nanoseconds()),
		Memory:    req.Memory,
		Planes:    unsafe.Pointer(&planes[0]),
		Length:    uint32(len(planes)),
	}
	err := d.ioctl("VIDIOC_QBUF "+bufTypeName(req.BufType), vidiocQBuf, unsafe.Pointer(&b))
	runtime.KeepAlive(planes)
	return err
}

func (d *kernelDevice) DequeueBuffer(bufType, memory uint32, numPlanes int) (dequeuedBuffer, error) {
	planes := make([]v4l2Plane, numPlanes)
	b := v4l2Buffer{
		Type:   bufType,
		Memory: memory,
		Planes: unsafe.Pointer(&planes[0]),
		Length: uint32(numPlanes),
	}
	err := d.ioctl("VIDIOC_DQBUF "+bufTypeName(bufType), vidiocDQBuf, unsafe.Pointer(&b))
	runtime.KeepAlive(planes)
	if err != nil {
		return dequeuedBuffer{}, err
	}

	out := dequeuedBuffer{
		Index:     int(b.Index),
		Flags:     b.Flags,
		Timestamp: time.Duration(b.Timestamp.Nano()),
		Sequence:  b.Sequence,
		BytesUsed: make([]uint32, min(int(b.Length), numPlanes)),
	}
	for i := range out.BytesUsed {
		out.BytesUsed[i] = planes[i].BytesUsed
	}
	return out, nil
}

func (d *kernelDevice) StreamOn(bufType uint32) error {
	t := int32(bufType)
	return d.ioctl("VIDIOC_STREAMON "+bufTypeName(bufType), vidiocStreamOn, unsafe.Pointer(&t))
}

func (d *kernelDevice) StreamOff(bufType uint32) error {
	t := int32(bufType)
	return d.ioctl("VIDIOC_STREAMOFF "+bufTypeName(bufType), vidiocStreamOff, unsafe.Pointer(&t))
}

func (d *kernelDevice) Map(offset uint32, length int) ([]byte, error) {
	data, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset 0x%x length %d: %w", offset, length, err)
	}
	return data, nil
}

func (d *kernelDevice) Unmap(data []byte) error {
	return unix.Munmap(data)
}

func (d *kernelDevice) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := pollUntil(timeout, func(ms int) (int, error) { return unix.Poll(fds, ms) })
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", d.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		return true, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("poll %s: revents 0x%x: %w", d.path, fds[0].Revents, errDeviceGone)
	}
	return false, nil
}

// pollUntil calls poll until it reports something or the timeout has
// elapsed. Interrupted calls resume with the remaining time only.
func pollUntil(timeout time.Duration, poll func(ms int) (int, error)) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := poll(int(remaining.Milliseconds()))
		if err != unix.EINTR {
			return n, err
		}
		if remaining == 0 {
			return 0, nil
		}
	}
}

func (d *kernelDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func cString(b []uint8) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
