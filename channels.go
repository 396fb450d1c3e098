package timetrace

// ChannelType distinguishes event-counting inputs from sampled voltage inputs.
type ChannelType int

// Names for the possible values of ChannelType
const (
	DigitalChannel ChannelType = iota // edge/event counting input
	AnalogChannel                     // clocked voltage input
)

func (t ChannelType) String() string {
	switch t {
	case DigitalChannel:
		return "digital"
	case AnalogChannel:
		return "analog"
	}
	return "unknown"
}

// Channel describes one named data source of a Streamer. It is a value type:
// copies are made whenever a descriptor crosses a component boundary.
type Channel struct {
	Name string
	Type ChannelType
	Unit string
}

// NewDigitalChannel returns a digital channel descriptor with the
// conventional "counts" unit.
func NewDigitalChannel(name string) Channel {
	return Channel{Name: name, Type: DigitalChannel, Unit: "counts"}
}

// NewAnalogChannel returns an analog channel descriptor with the
// conventional "V" unit.
func NewAnalogChannel(name string) Channel {
	return Channel{Name: name, Type: AnalogChannel, Unit: "V"}
}

// channelNames extracts the names from a slice of channel descriptors.
func channelNames(channels []Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
	}
	return names
}

// findChannel looks up a channel descriptor by name.
func findChannel(channels []Channel, name string) (Channel, bool) {
	for _, ch := range channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}
