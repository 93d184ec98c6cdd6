// Package hwmedia drives hardware H.264/H.265 encoders exposed by the
// kernel as V4L2 memory-to-memory devices (Raspberry Pi, Jetson, i.MX and
// other SoC encoders) from pure Go.
//
// Key pieces include:
//   - Encoder discovery over /dev/video* (FindEncoderDevice, ListEncoderDevices)
//   - EncodeSession: format negotiation, buffer pools, streaming and teardown
//   - V4L2Encoder: the VideoEncoder implementation registered as ProviderV4L2M2M
//   - Pipelines and sinks handing encoded frames to files, RTP, RTMP or WebRTC tracks
//   - Test pattern sources and a Prometheus collector for encoder stats
//
// # Architecture
//
//	VideoSource -> VideoEncodePipeline -> VideoEncoder -> FrameSink
//
// A session owns two kernel queues. Raw NV12 pictures go to the OUTPUT
// queue, either copied into memory-mapped buffers or imported as DMA-BUF
// descriptors. The compressed bitstream comes back on the CAPTURE queue.
// Every Encode call submits one picture and returns the access unit
// produced for it.
//
// # Concurrency
//
// An EncodeSession is not safe for concurrent use. V4L2Encoder serializes
// calls with a mutex; VideoEncodePipeline runs the encoder on one goroutine.
//
// # Platform Support
//
// Kernel access requires linux/amd64 or linux/arm64. On other platforms
// every device operation fails with ErrUnavailable. Jetson DMA-BUF plane
// layouts are read from libnvbufsurface via purego when it is present.
package hwmedia
