package timetrace

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimStreamerConfig holds the construction parameters of a SimStreamer.
// At least one digital or analog channel must be given. EventRates and
// Amplitudes must either match their channel list in length or hold a single
// value, which is then scaled by the 1-based channel index (so channels are
// distinguishable in a plot).
type SimStreamerConfig struct {
	DigitalChannels   []string
	AnalogChannels    []string
	DigitalEventRates []float64 // mean event rate per digital channel, Hz
	AnalogAmplitudes  []float64 // sinusoid amplitude per analog channel, V
	Seed              uint64    // 0 means seed from the wall clock
}

// SimStreamer is a Streamer that synthesizes data instead of talking to
// hardware: digital channels produce Poisson-distributed counts per sample
// bin, analog channels a 1 Hz sinusoid with 5% uniform noise. It is the
// reference implementation of the Streamer contract and the stand-in device
// for tests and offline development.
type SimStreamer struct {
	constraints StreamConstraints
	settings    StreamerSettings
	eventRates  map[string]float64
	amplitudes  map[string]float64

	hasOverflown bool
	isRunning    bool
	startTime    time.Time
	readCursor   time.Duration // stream time already consumed by reads
	rng          *rand.Rand

	lock sync.Mutex
}

// blockingReadPoll is the busy-wait increment of the blocking read primitives.
const blockingReadPoll = time.Millisecond

// NewSimStreamer validates cfg and builds a streamer with all channels
// active, continuous mode and a 1000-sample buffer. Construction is the only
// operation of a streamer allowed to fail hard.
func NewSimStreamer(cfg SimStreamerConfig) (*SimStreamer, error) {
	if len(cfg.DigitalChannels)+len(cfg.AnalogChannels) == 0 {
		return nil, fmt.Errorf("not a single digital or analog channel provided")
	}
	eventRates, err := fanOutPerChannel(cfg.DigitalChannels, cfg.DigitalEventRates, 100000, "DigitalEventRates")
	if err != nil {
		return nil, err
	}
	amplitudes, err := fanOutPerChannel(cfg.AnalogChannels, cfg.AnalogAmplitudes, 10, "AnalogAmplitudes")
	if err != nil {
		return nil, err
	}

	ss := &SimStreamer{eventRates: eventRates, amplitudes: amplitudes}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	ss.rng = rand.New(rand.NewSource(seed))

	digital := make([]Channel, len(cfg.DigitalChannels))
	for i, name := range cfg.DigitalChannels {
		digital[i] = NewDigitalChannel(name)
	}
	analog := make([]Channel, len(cfg.AnalogChannels))
	for i, name := range cfg.AnalogChannels {
		analog[i] = NewAnalogChannel(name)
	}
	rate := ScalarConstraint{Min: 1, Max: math.MaxInt32, Step: 1, Default: 100, Unit: "Hz"}
	ss.constraints = StreamConstraints{
		DigitalChannels:     digital,
		AnalogChannels:      analog,
		AnalogSampleRate:    rate,
		DigitalSampleRate:   ScalarConstraint{Min: 1, Max: math.MaxInt32, Step: 0.1, Default: 100, Unit: "Hz"},
		CombinedSampleRate:  rate, // analog is the binding clocked path
		ReadBlockSize:       ScalarConstraint{Min: 1, Max: 1000000, Step: 1, Default: 1},
		StreamingModes:      []StreamingMode{Continuous},
		DataTypes:           []DataType{Uint32, Float64},
		AllowCircularBuffer: true,
	}

	ss.settings = StreamerSettings{
		SampleRate:        rate.Default,
		DataType:          Float64,
		StreamingMode:     Continuous,
		ActiveChannels:    channelNames(ss.constraints.AvailableChannels()),
		BufferSize:        1000,
		UseCircularBuffer: false,
	}
	ss.initBuffer()
	return ss, nil
}

// fanOutPerChannel expands a single parameter value to one per channel,
// scaled by the 1-based channel index, or validates a full-length list.
func fanOutPerChannel(channels []string, values []float64, fallback float64, option string) (map[string]float64, error) {
	out := make(map[string]float64, len(channels))
	switch len(values) {
	case 0:
		for i, name := range channels {
			out[name] = fallback * float64(i+1)
		}
	case 1:
		for i, name := range channels {
			out[name] = values[0] * float64(i+1)
		}
	case len(channels):
		for i, name := range channels {
			out[name] = values[i]
		}
	default:
		return nil, fmt.Errorf("config option %q must have same length as its channel list or hold a single value", option)
	}
	return out, nil
}

// Constraints returns a defensive copy of the device capabilities.
func (ss *SimStreamer) Constraints() StreamConstraints {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.constraints.Copy()
}

// AllSettings returns a copy of the current configuration.
func (ss *SimStreamer) AllSettings() StreamerSettings {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.settings.Copy()
}

// Configure applies the non-nil fields of cfg. Each field is validated on
// its own: an out-of-range value is logged and skipped while the remaining
// fields still apply. The call is rejected outright while running.
func (ss *SimStreamer) Configure(cfg StreamerConfig) StreamerSettings {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if ss.isRunning {
		ProblemLogger.Println("unable to configure streamer while acquisition is in progress; stop the device and try again")
		return ss.settings.Copy()
	}

	if cfg.SampleRate != nil {
		if *cfg.SampleRate <= 0 || !ss.constraints.CombinedSampleRate.Contains(*cfg.SampleRate) {
			ProblemLogger.Printf("sample rate %.6g Hz outside allowed range [%g, %g]; field unchanged",
				*cfg.SampleRate, ss.constraints.CombinedSampleRate.Min, ss.constraints.CombinedSampleRate.Max)
		} else {
			ss.settings.SampleRate = *cfg.SampleRate
		}
	}
	if cfg.DataType != nil {
		if !ss.constraints.SupportsDataType(*cfg.DataType) {
			ProblemLogger.Printf("data type %v not supported; field unchanged", *cfg.DataType)
		} else {
			ss.settings.DataType = *cfg.DataType
		}
	}
	if cfg.StreamingMode != nil {
		if !ss.constraints.SupportsMode(*cfg.StreamingMode) {
			ProblemLogger.Printf("streaming mode %v not supported; field unchanged", *cfg.StreamingMode)
		} else {
			ss.settings.StreamingMode = *cfg.StreamingMode
		}
	}
	if cfg.ActiveChannels != nil {
		valid := len(cfg.ActiveChannels) > 0
		available := ss.constraints.AvailableChannels()
		for _, name := range cfg.ActiveChannels {
			if _, ok := findChannel(available, name); !ok {
				ProblemLogger.Printf("invalid channel %q to stream from; active channels unchanged", name)
				valid = false
				break
			}
		}
		if valid {
			ss.settings.ActiveChannels = append([]string(nil), cfg.ActiveChannels...)
		}
	}
	if cfg.StreamLength != nil {
		if ss.settings.StreamingMode != Finite {
			ProblemLogger.Printf("stream length only meaningful for finite streaming; current mode is %v", ss.settings.StreamingMode)
		}
		ss.settings.StreamLength = *cfg.StreamLength
	}
	if cfg.BufferSize != nil {
		if *cfg.BufferSize < 1 {
			ProblemLogger.Printf("buffer size %d smaller than 1 makes no sense; field unchanged", *cfg.BufferSize)
		} else {
			ss.settings.BufferSize = *cfg.BufferSize
		}
	}
	if cfg.UseCircularBuffer != nil {
		if *cfg.UseCircularBuffer && !ss.constraints.AllowCircularBuffer {
			ProblemLogger.Println("circular buffering not allowed for this device; field unchanged")
		} else {
			ss.settings.UseCircularBuffer = *cfg.UseCircularBuffer
		}
	}

	ss.initBuffer()
	return ss.settings.Copy()
}

// ConfigureSignals updates the per-channel event rates and amplitudes of the
// synthetic signals. The channel topology stays fixed; values follow the same
// fan-out rule as construction. Rejected while running.
func (ss *SimStreamer) ConfigureSignals(digitalEventRates, analogAmplitudes []float64) error {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if ss.isRunning {
		return fmt.Errorf("unable to configure signals while acquisition is in progress")
	}
	digital := channelNames(ss.constraints.DigitalChannels)
	analog := channelNames(ss.constraints.AnalogChannels)
	eventRates, err := fanOutPerChannel(digital, digitalEventRates, 100000, "DigitalEventRates")
	if err != nil {
		return err
	}
	amplitudes, err := fanOutPerChannel(analog, analogAmplitudes, 10, "AnalogAmplitudes")
	if err != nil {
		return err
	}
	ss.eventRates = eventRates
	ss.amplitudes = amplitudes
	return nil
}

// initBuffer resets the logical buffer state for the current settings.
// Callers must hold ss.lock.
func (ss *SimStreamer) initBuffer() {
	if ss.isRunning {
		return
	}
	ss.hasOverflown = false
}

// StartStream begins the synthetic acquisition clock.
func (ss *SimStreamer) StartStream() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if ss.isRunning {
		ProblemLogger.Println("unable to start input stream: it is already running")
		return 0
	}
	ss.initBuffer()
	ss.isRunning = true
	ss.startTime = time.Now()
	ss.readCursor = 0
	return 0
}

// StopStream halts the acquisition clock.
func (ss *SimStreamer) StopStream() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	ss.isRunning = false
	return 0
}

// IsRunning reports whether acquisition is active.
func (ss *SimStreamer) IsRunning() bool {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.isRunning
}

// BufferOverflown reports the overflow flag. It resets only on StartStream.
func (ss *SimStreamer) BufferOverflown() bool {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.hasOverflown
}

// AvailableSamples estimates the samples per channel ready to read from the
// elapsed wall-clock time since the last read. A real device would report
// its own acquired-minus-read counter here instead.
func (ss *SimStreamer) AvailableSamples() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.availableSamples()
}

func (ss *SimStreamer) availableSamples() int {
	if !ss.isRunning {
		return 0
	}
	pending := time.Since(ss.startTime) - ss.readCursor
	return int(pending.Seconds() * ss.settings.SampleRate)
}

// NumberOfChannels returns the count of active channels.
func (ss *SimStreamer) NumberOfChannels() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return len(ss.settings.ActiveChannels)
}

// ActiveChannels returns descriptors of the active channels in order.
func (ss *SimStreamer) ActiveChannels() []Channel {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.activeChannels()
}

func (ss *SimStreamer) activeChannels() []Channel {
	available := ss.constraints.AvailableChannels()
	active := make([]Channel, 0, len(ss.settings.ActiveChannels))
	for _, name := range ss.settings.ActiveChannels {
		if ch, ok := findChannel(available, name); ok {
			active = append(active, ch)
		}
	}
	return active
}

// ReadDataIntoBuffer blocks in small sleep increments until nsamples samples
// per channel have been produced by the synthetic clock, then fills buf.
// The wait is bounded: 1 second plus twice the expected acquisition time.
func (ss *SimStreamer) ReadDataIntoBuffer(buf *SampleBuffer, nsamples int) int {
	ss.lock.Lock()
	if !ss.isRunning {
		ss.lock.Unlock()
		ProblemLogger.Println("unable to read data: device is not running")
		return -1
	}
	if buf == nil || buf.DType != ss.settings.DataType {
		ss.lock.Unlock()
		ProblemLogger.Printf("read buffer must have data type %v; read failed", ss.settings.DataType)
		return -1
	}
	nchan := len(ss.settings.ActiveChannels)
	capacity := buf.capacity(nchan)
	if capacity < 0 {
		ss.lock.Unlock()
		ProblemLogger.Printf("read buffer shaped for %d channels, streamer has %d; read failed", buf.Channels, nchan)
		return -1
	}
	if nsamples < 0 {
		nsamples = capacity
	}
	if nsamples > capacity {
		ss.lock.Unlock()
		ProblemLogger.Printf("requested %d samples per channel but buffer holds only %d; read failed", nsamples, capacity)
		return -1
	}
	if nsamples < 1 {
		ss.lock.Unlock()
		return 0
	}
	rate := ss.settings.SampleRate
	ss.lock.Unlock()

	// Busy-wait for enough samples, without holding the lock.
	deadline := time.Now().Add(time.Second + 2*time.Duration(float64(nsamples)/rate*float64(time.Second)))
	for {
		ss.lock.Lock()
		if !ss.isRunning {
			ss.lock.Unlock()
			ProblemLogger.Println("stream stopped during blocking read")
			return -1
		}
		if ss.availableSamples() >= nsamples {
			defer ss.lock.Unlock()
			return ss.generateSamples(buf, nsamples)
		}
		ss.lock.Unlock()
		if time.Now().After(deadline) {
			ProblemLogger.Printf("timeout waiting for %d samples per channel", nsamples)
			return -1
		}
		time.Sleep(blockingReadPoll)
	}
}

// ReadAvailableDataIntoBuffer reads min(buffer capacity, available samples)
// and returns immediately with whatever was ready.
func (ss *SimStreamer) ReadAvailableDataIntoBuffer(buf *SampleBuffer) int {
	ss.lock.Lock()
	if !ss.isRunning {
		ss.lock.Unlock()
		ProblemLogger.Println("unable to read data: device is not running")
		return -1
	}
	nchan := len(ss.settings.ActiveChannels)
	capacity := buf.capacity(nchan)
	avail := ss.availableSamples()
	ss.lock.Unlock()
	if capacity >= 0 && avail < capacity {
		capacity = avail
	}
	return ss.ReadDataIntoBuffer(buf, capacity)
}

// ReadData is the convenience wrapper over the buffer primitives. A negative
// nsamples reads all currently available samples. Any failure or short read
// yields an empty matrix. Every call fills its own scratch slice, so
// concurrent readers never interleave samples in shared storage.
func (ss *SimStreamer) ReadData(nsamples int) *mat.Dense {
	ss.lock.Lock()
	if !ss.isRunning {
		ss.lock.Unlock()
		ProblemLogger.Println("unable to read data: device is not running")
		return &mat.Dense{}
	}
	nchan := len(ss.settings.ActiveChannels)
	dtype := ss.settings.DataType
	if nsamples < 0 {
		nsamples = ss.availableSamples()
	}
	ss.lock.Unlock()

	if nsamples == 0 {
		return &mat.Dense{}
	}
	buf := &SampleBuffer{DType: dtype, Data: make([]float64, nchan*nsamples)}
	if read := ss.ReadDataIntoBuffer(buf, nsamples); read != nsamples {
		return &mat.Dense{}
	}
	return mat.NewDense(nchan, nsamples, buf.Data)
}

// ReadSinglePoint samples every active channel once. The snapshot is not
// correlated with the stream clock and does not consume buffered samples.
func (ss *SimStreamer) ReadSinglePoint() []float64 {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	if !ss.isRunning {
		ProblemLogger.Println("unable to read data: device is not running")
		return nil
	}
	t := ss.readCursor.Seconds()
	point := make([]float64, 0, len(ss.settings.ActiveChannels))
	for _, ch := range ss.activeChannels() {
		if ch.Type == DigitalChannel {
			point = append(point, ss.poisson(ss.eventRates[ch.Name]/ss.settings.SampleRate))
		} else {
			amplitude := ss.amplitudes[ch.Name]
			noise := 0.05 * amplitude * (1 - 2*ss.rng.Float64())
			point = append(point, amplitude*math.Sin(2*math.Pi*t)+noise)
		}
	}
	return point
}

// generateSamples fills buf with nsamples synthetic samples per channel and
// advances the read cursor by exactly the consumed stream time, so
// back-to-back reads stay contiguous. Callers must hold ss.lock.
func (ss *SimStreamer) generateSamples(buf *SampleBuffer, nsamples int) int {
	// Falling behind: more samples pending than the configured buffer can
	// hold. This read still succeeds, but the flag tells the consumer.
	if ss.availableSamples() > ss.settings.BufferSize {
		ss.hasOverflown = true
	}

	nchan := len(ss.settings.ActiveChannels)
	stride := nsamples
	if buf.Channels > 0 {
		stride = len(buf.Data) / nchan
	}
	rate := ss.settings.SampleRate
	t0 := ss.readCursor.Seconds()
	for i, ch := range ss.activeChannels() {
		out := buf.Data[i*stride : i*stride+nsamples]
		if ch.Type == DigitalChannel {
			lambda := ss.eventRates[ch.Name] / rate
			for j := range out {
				out[j] = ss.poisson(lambda)
			}
		} else {
			amplitude := ss.amplitudes[ch.Name]
			noiseLevel := 0.05 * amplitude
			for j := range out {
				x := 2 * math.Pi * (t0 + float64(j)/rate)
				noise := noiseLevel * (1 - 2*ss.rng.Float64())
				out[j] = amplitude*math.Sin(x) + noise
			}
		}
	}
	ss.readCursor += time.Duration(float64(nsamples) / rate * float64(time.Second))
	return nsamples
}

// poisson draws one Poisson-distributed count with the given mean.
func (ss *SimStreamer) poisson(lambda float64) float64 {
	if lambda <= 0 {
		return 0
	}
	p := distuv.Poisson{Lambda: lambda, Src: ss.rng}
	return p.Rand()
}
