package hwmedia

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// EncoderDevice describes a V4L2 memory-to-memory encoder node.
type EncoderDevice struct {
	Path    string
	Driver  string
	Card    string
	BusInfo string
	Codecs  []VideoCodec
}

// FindEncoderDevice returns the first video node, in numeric order, that is
// a streaming multiplanar M2M device whose CAPTURE queue offers codec.
// Every node opened during the scan is closed again.
func FindEncoderDevice(codec VideoCodec) (string, error) {
	return findEncoderDevice(deviceDir, codec, openDevice, zerolog.Nop())
}

// IsEncoderAvailable reports whether FindEncoderDevice would succeed.
func IsEncoderAvailable(codec VideoCodec) bool {
	_, err := FindEncoderDevice(codec)
	return err == nil
}

// ListEncoderDevices probes every video node and returns the encoders found.
func ListEncoderDevices() ([]EncoderDevice, error) {
	nodes, err := listVideoNodes(deviceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var devices []EncoderDevice
	for _, path := range nodes {
		d, ok, err := describeEncoderNode(path, openDevice)
		if err != nil || !ok {
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func findEncoderDevice(dir string, codec VideoCodec, open deviceOpener, log zerolog.Logger) (string, error) {
	if codec.pixelFormat() == 0 {
		return "", fmt.Errorf("%w: %s", ErrCodecNotSupported, codec)
	}

	nodes, err := listVideoNodes(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	for _, path := range nodes {
		d, ok, err := describeEncoderNode(path, open)
		if err != nil {
			log.Debug().Err(err).Str("device", path).Msg("skipping video node")
			continue
		}
		if ok && slices.Contains(d.Codecs, codec) {
			log.Debug().Str("device", path).Str("card", d.Card).Stringer("codec", codec).Msg("found encoder")
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no %s encoder under %s", ErrUnavailable, codec, dir)
}

// describeEncoderNode reports whether path is an M2M encoder and which
// codecs its CAPTURE queue offers.
func describeEncoderNode(path string, open deviceOpener) (EncoderDevice, bool, error) {
	dev, err := open(path)
	if err != nil {
		return EncoderDevice{}, false, err
	}
	defer dev.Close()

	caps, err := dev.QueryCapability()
	if err != nil {
		return EncoderDevice{}, false, err
	}
	if !caps.isM2MStreaming() {
		return EncoderDevice{}, false, nil
	}

	formats, err := dev.EnumFormats(v4l2BufTypeCaptureMplane)
	if err != nil {
		return EncoderDevice{}, false, err
	}

	d := EncoderDevice{
		Path:    path,
		Driver:  caps.Driver,
		Card:    caps.Card,
		BusInfo: caps.BusInfo,
	}
	for _, codec := range []VideoCodec{VideoCodecH264, VideoCodecH265} {
		if slices.Contains(formats, codec.pixelFormat()) {
			d.Codecs = append(d.Codecs, codec)
		}
	}
	return d, len(d.Codecs) > 0, nil
}

// listVideoNodes returns dir/videoN entries sorted by N.
func listVideoNodes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type node struct {
		path string
		n    int
	}
	var nodes []node
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "video"))
		if err != nil || n < 0 {
			continue
		}
		nodes = append(nodes, node{path: filepath.Join(dir, name), n: n})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].n < nodes[j].n })

	paths := make([]string, len(nodes))
	for i, n := range nodes {
		paths[i] = n.path
	}
	return paths, nil
}
