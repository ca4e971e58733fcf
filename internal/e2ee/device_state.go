package e2ee

// DeviceState is the session bootstrap progress of a remote device.
type DeviceState int

const (
	DeviceUnknown DeviceState = iota
	DeviceFetchingPrekey
	DeviceEstablished
	DeviceFailed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceUnknown:
		return "unknown"
	case DeviceFetchingPrekey:
		return "fetching-prekey"
	case DeviceEstablished:
		return "established"
	case DeviceFailed:
		return "failed-permanently"
	}
	return "invalid"
}
