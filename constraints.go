package timetrace

// ScalarConstraint expresses the allowed range of one scalar setting.
type ScalarConstraint struct {
	Min     float64
	Max     float64
	Step    float64
	Default float64
	Unit    string
}

// Contains tells whether value lies within the constraint range.
func (c ScalarConstraint) Contains(value float64) bool {
	return value >= c.Min && value <= c.Max
}

// Clip returns value forced into the constraint range.
func (c ScalarConstraint) Clip(value float64) float64 {
	if value < c.Min {
		return c.Min
	}
	if value > c.Max {
		return c.Max
	}
	return value
}

// StreamConstraints describes what a Streamer instance supports. It is
// created once at streamer construction and must be treated as read-only;
// Streamer.Constraints() hands out defensive copies.
type StreamConstraints struct {
	DigitalChannels     []Channel
	AnalogChannels      []Channel
	AnalogSampleRate    ScalarConstraint
	DigitalSampleRate   ScalarConstraint
	CombinedSampleRate  ScalarConstraint // binding when both channel types are active
	ReadBlockSize       ScalarConstraint
	StreamingModes      []StreamingMode
	DataTypes           []DataType
	AllowCircularBuffer bool
}

// Copy returns a deep copy of the constraints so callers cannot mutate the
// streamer's own record.
func (sc StreamConstraints) Copy() StreamConstraints {
	c := sc
	c.DigitalChannels = append([]Channel(nil), sc.DigitalChannels...)
	c.AnalogChannels = append([]Channel(nil), sc.AnalogChannels...)
	c.StreamingModes = append([]StreamingMode(nil), sc.StreamingModes...)
	c.DataTypes = append([]DataType(nil), sc.DataTypes...)
	return c
}

// AvailableChannels returns all channels (digital first, then analog), the
// order in which a streamer enumerates them.
func (sc StreamConstraints) AvailableChannels() []Channel {
	all := make([]Channel, 0, len(sc.DigitalChannels)+len(sc.AnalogChannels))
	all = append(all, sc.DigitalChannels...)
	all = append(all, sc.AnalogChannels...)
	return all
}

// SampleRateLimits selects the binding rate constraint for a given mix of
// active channel types. With both types active the combined constraint
// applies; otherwise the per-type one.
func (sc StreamConstraints) SampleRateLimits(hasDigital, hasAnalog bool) ScalarConstraint {
	switch {
	case hasDigital && hasAnalog:
		return sc.CombinedSampleRate
	case hasAnalog:
		return sc.AnalogSampleRate
	default:
		return sc.DigitalSampleRate
	}
}

// SupportsMode tells whether the streamer supports the given streaming mode.
func (sc StreamConstraints) SupportsMode(mode StreamingMode) bool {
	for _, m := range sc.StreamingModes {
		if m == mode {
			return true
		}
	}
	return false
}

// SupportsDataType tells whether the streamer supports the given data type.
func (sc StreamConstraints) SupportsDataType(dt DataType) bool {
	for _, t := range sc.DataTypes {
		if t == dt {
			return true
		}
	}
	return false
}
