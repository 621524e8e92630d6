package link

// DeviceInfo es la vista del dispositivo que se envía al proxy
type DeviceInfo struct {
	ID           string
	Capabilities []string
	Sources      []string
	RemoteIP     string
	RemotePort   int
	Reason       string
	State        DeviceState
}
