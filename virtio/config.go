package virtio

// ConfigRegion identifies which window of a device's configuration space a
// byte offset falls into.
type ConfigRegion int

const (
	RegionMSIX ConfigRegion = iota
	RegionFeaturesHi
	RegionDeviceConfig
)

// ConfigOffset maps a byte offset inside a device's configuration window to
// one of {MSI-X region, high-features word, device-specific config},
// factoring optional features out of the addressing math.
func ConfigOffset(offset uint32, msixEnabled, featuresHighEnabled bool) (region ConfigRegion, regionOffset uint32) {
	if msixEnabled {
		if offset < 4 {
			return RegionMSIX, offset
		}
		offset -= 4
	}
	if featuresHighEnabled {
		if offset < 4 {
			return RegionFeaturesHi, offset
		}
		offset -= 4
	}
	return RegionDeviceConfig, offset
}
