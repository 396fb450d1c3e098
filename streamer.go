package timetrace

import (
	"gonum.org/v1/gonum/mat"
)

// DataType identifies the numeric type a streamer produces. All active
// channels of one streamer share a single data type; callers with mixed
// requirements must pick a common representable type (usually Float64).
type DataType int

// Names for the possible values of DataType
const (
	Uint32 DataType = iota
	Float64
)

func (dt DataType) String() string {
	switch dt {
	case Uint32:
		return "uint32"
	case Float64:
		return "float64"
	}
	return "unknown"
}

// StreamingMode selects between endless acquisition and a fixed-length run.
type StreamingMode int

// Names for the possible values of StreamingMode
const (
	Continuous StreamingMode = iota
	Finite
)

func (m StreamingMode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case Finite:
		return "finite"
	}
	return "unknown"
}

// StreamerSettings holds the complete configuration of a Streamer. Mutable
// only while the streamer is idle; Configure returns the full settings so a
// caller can detect which fields did not apply.
type StreamerSettings struct {
	SampleRate        float64 // Hz
	DataType          DataType
	StreamingMode     StreamingMode
	ActiveChannels    []string // ordered subset of available channels
	StreamLength      int      // samples per channel, Finite mode only
	BufferSize        int      // samples per channel
	UseCircularBuffer bool
}

// Copy returns a settings copy with an independent channel slice.
func (s StreamerSettings) Copy() StreamerSettings {
	c := s
	c.ActiveChannels = append([]string(nil), s.ActiveChannels...)
	return c
}

// StreamerConfig carries the requested changes for Streamer.Configure.
// Nil fields are left untouched. Fields are validated independently: an
// invalid value is logged and skipped while the remaining fields still apply.
type StreamerConfig struct {
	SampleRate        *float64
	DataType          *DataType
	StreamingMode     *StreamingMode
	ActiveChannels    []string
	StreamLength      *int
	BufferSize        *int
	UseCircularBuffer *bool
}

// SampleBuffer is a caller-owned destination for streamer reads. Data is
// channels-major: all of channel 0's samples, then channel 1's, and so on.
// Channels == 0 marks a flat 1-D buffer whose shape is derived from the
// streamer's active channel count; Channels > 0 declares a pre-shaped 2-D
// buffer and must match the active channel count exactly. DType must match
// the streamer's configured data type or the read fails.
type SampleBuffer struct {
	DType    DataType
	Channels int
	Data     []float64
}

// NewSampleBuffer allocates a pre-shaped buffer for nchan channels and
// nsamples samples per channel.
func NewSampleBuffer(dtype DataType, nchan, nsamples int) *SampleBuffer {
	return &SampleBuffer{DType: dtype, Channels: nchan, Data: make([]float64, nchan*nsamples)}
}

// capacity returns the samples per channel the buffer can hold when read for
// nchan channels. Returns -1 for a malformed shape.
func (b *SampleBuffer) capacity(nchan int) int {
	if nchan < 1 {
		return -1
	}
	if b.Channels == 0 {
		return len(b.Data) / nchan
	}
	if b.Channels != nchan {
		return -1
	}
	return len(b.Data) / nchan
}

// Streamer is the uniform contract of a multi-channel sampled-data source.
// Both the synthetic reference implementation and hardware-backed devices
// satisfy it, so consumers are interchangeable between the two.
//
// Failure semantics: no method panics or returns an error for user-input
// problems. Operations log the problem and return a sentinel (-1, an empty
// matrix, or unchanged settings). Only construction of a concrete streamer
// can fail hard.
type Streamer interface {
	// Constraints returns a defensive copy of the device capabilities.
	Constraints() StreamConstraints

	// AllSettings returns a copy of the current configuration.
	AllSettings() StreamerSettings

	// Configure applies the non-nil fields of cfg while idle. Rejected
	// outright (warning logged, settings unchanged) while running.
	Configure(cfg StreamerConfig) StreamerSettings

	// StartStream begins acquisition: resets the overflow flag, allocates
	// the internal buffer and records the start timestamp. Returns 0 on
	// success or if already running (idempotent), -1 on error.
	StartStream() int

	// StopStream ends acquisition. Idempotent like StartStream.
	StopStream() int

	// IsRunning reports whether acquisition is active.
	IsRunning() bool

	// BufferOverflown reports whether more samples accumulated than the
	// configured buffer can hold. Reset only by the next StartStream.
	BufferOverflown() bool

	// AvailableSamples estimates the samples per channel ready to read.
	// Always 0 while not running.
	AvailableSamples() int

	// NumberOfChannels returns the count of currently active channels.
	NumberOfChannels() int

	// ActiveChannels returns descriptors of the active channels, in
	// configured order.
	ActiveChannels() []Channel

	// ReadDataIntoBuffer blocks until nsamples samples per channel have
	// been written into buf. nsamples < 0 derives the count from the
	// buffer shape. Returns samples per channel read, or a negative value
	// on error (not running, dtype mismatch, malformed shape, timeout).
	ReadDataIntoBuffer(buf *SampleBuffer, nsamples int) int

	// ReadAvailableDataIntoBuffer reads min(buffer capacity, currently
	// available samples) without waiting for more data to arrive.
	ReadAvailableDataIntoBuffer(buf *SampleBuffer) int

	// ReadData reads nsamples per channel (all available if nsamples < 0)
	// into a (channels x samples) matrix. Any failure or short read
	// yields an empty matrix.
	ReadData(nsamples int) *mat.Dense

	// ReadSinglePoint samples each active channel once, independently and
	// not correlated with the stream clock. Empty slice indicates error.
	ReadSinglePoint() []float64
}
