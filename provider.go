package hwmedia

import (
	"sync"
	"sync/atomic"
)

// Provider identifies an encoder implementation.
type Provider uint8

const (
	ProviderAuto    Provider = iota // Let library choose best available
	ProviderV4L2M2M                 // Kernel V4L2 memory-to-memory encoder
	providerCount
)

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureLowLatency        Features = 1 << iota // Optimized for real-time
	FeatureDynamicBitrate                         // Runtime bitrate changes
	FeatureDynamicResolution                      // Runtime resolution changes
	FeatureHardware                               // Fixed-function hardware block
	FeatureZeroCopy                               // Accepts DMA-BUF input
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	Encoder  bool
	Features Features
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:    {"auto", false, 0},
	ProviderV4L2M2M: {"v4l2m2m", true, FeatureLowLatency | FeatureDynamicBitrate | FeatureDynamicResolution | FeatureHardware | FeatureZeroCopy},
}

// Runtime availability - set by detectProviders.
var providerAvailable [providerCount]atomic.Bool

var detectOnce sync.Once

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// CanEncode returns true if the provider supports encoding.
func (p Provider) CanEncode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Encoder
}

// Available returns true if the provider is usable at runtime.
// The first call probes the hardware.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	detectOnce.Do(detectProviders)
	return providerAvailable[p].Load()
}

// setProviderAvailable marks a provider as available.
func setProviderAvailable(p Provider, ok bool) {
	if p < providerCount {
		providerAvailable[p].Store(ok)
	}
}

func detectProviders() {
	for _, codec := range []VideoCodec{VideoCodecH264, VideoCodecH265} {
		if IsEncoderAvailable(codec) {
			setProviderAvailable(ProviderV4L2M2M, true)
			return
		}
	}
}
