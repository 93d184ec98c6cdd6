package hwmedia

import (
	"errors"
	"time"
)

var (
	// errWouldBlock is matched by errors returned from a non-blocking
	// dequeue when the kernel has no completed buffer (EAGAIN).
	errWouldBlock = errors.New("no buffer ready")

	// errDeviceGone is matched by errors caused by a dead or closed
	// descriptor (ENODEV, EBADF).
	errDeviceGone = errors.New("device gone")
)

// deviceCapability is the subset of struct v4l2_capability the engine reads.
type deviceCapability struct {
	Driver       string
	Card         string
	BusInfo      string
	Capabilities uint32
	DeviceCaps   uint32
}

// effective returns the per-node capability bits when the driver reports
// them, otherwise the whole-device bits.
func (c deviceCapability) effective() uint32 {
	if c.Capabilities&v4l2CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

func (c deviceCapability) isM2MStreaming() bool {
	caps := c.effective()
	return caps&v4l2CapVideoM2MMplane != 0 && caps&v4l2CapStreaming != 0
}

type planeSize struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// formatRequest mirrors v4l2_pix_format_mplane. SetFormat overwrites it
// with the values the driver settled on.
type formatRequest struct {
	BufType     uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Field       uint32
	Colorspace  uint32
	Planes      []planeSize
}

// planeInfo is what VIDIOC_QUERYBUF reports for one plane.
type planeInfo struct {
	Length uint32
	Offset uint32
}

// bufferPlane is one plane of a buffer handed to VIDIOC_QBUF.
type bufferPlane struct {
	BytesUsed  uint32
	Length     uint32
	FD         int
	DataOffset uint32
}

type queueRequest struct {
	BufType   uint32
	Memory    uint32
	Index     int
	Planes    []bufferPlane
	Flags     uint32
	Timestamp time.Duration
}

type dequeuedBuffer struct {
	Index     int
	Flags     uint32
	BytesUsed []uint32
	Timestamp time.Duration
	Sequence  uint32
}

// m2mDevice is the ioctl surface of a V4L2 memory-to-memory node.
// Implementations are not safe for concurrent use.
type m2mDevice interface {
	QueryCapability() (deviceCapability, error)
	EnumFormats(bufType uint32) ([]uint32, error)
	SetFormat(req *formatRequest) error
	SetControl(id uint32, value int32) error
	SetFrameInterval(bufType uint32, numerator, denominator uint32) error
	RequestBuffers(bufType, memory uint32, count int) (int, error)
	QueryBuffer(bufType, memory uint32, index, numPlanes int) ([]planeInfo, error)
	QueueBuffer(req queueRequest) error
	DequeueBuffer(bufType, memory uint32, numPlanes int) (dequeuedBuffer, error)
	StreamOn(bufType uint32) error
	StreamOff(bufType uint32) error
	Map(offset uint32, length int) ([]byte, error)
	Unmap(data []byte) error
	WaitReadable(timeout time.Duration) (bool, error)
	Close() error
}

type deviceOpener func(path string) (m2mDevice, error)

// Hooks replaced by tests.
var (
	deviceDir               = "/dev"
	openDevice deviceOpener = openKernelDevice
)
