package link

// DeviceState representa el tipo de evento del dispositivo
type DeviceState int

const (
	DeviceStateUnknown    DeviceState = iota
	DeviceStateConnect                // device_connect: true
	DeviceStateDisconnect             // device_disconnect: true
	DeviceStateSources                // sources_update: true
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateConnect:
		return "device_connect"
	case DeviceStateDisconnect:
		return "device_disconnect"
	case DeviceStateSources:
		return "sources_update"
	}
	return "unknown"
}
