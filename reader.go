package timetrace

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/diamondnv/timetrace/internal/tracefile"
)

// Parameter is one ordered key/value pair of the metadata block handed to a
// Saver together with recorded data.
type Parameter = tracefile.Parameter

// timestampLayout is the fixed format used for start/stop parameters.
const timestampLayout = "02.01.2006, 15:04:05.000000"

// Saver receives finished data arrays plus their parameters and persists
// them. The reader only ever calls this abstract operation; on-disk layout
// is entirely the saver's concern.
type Saver interface {
	// PathForModule returns the directory data of the named module goes to.
	PathForModule(module string) string

	// Save writes the given header->array map with its ordered parameter
	// block. filelabel distinguishes recordings from snapshots.
	Save(data map[string]*mat.Dense, filepath string, parameters []Parameter,
		filelabel string, timestamp time.Time) error
}

// ReaderSettings holds the complete configuration of a TimeSeriesReader.
// Mutable only while not recording.
type ReaderSettings struct {
	TraceWindowSize    float64  // rolling window, seconds
	MovingAverageWidth int      // samples; odd and >= 1
	OversamplingFactor int      // raw samples averaged per data point, >= 1
	DataRate           float64  // effective per-point rate, Hz
	ActiveChannels     []string // ordered subset of the streamer's channels
	AveragedChannels   []string // subset of ActiveChannels
}

// Copy returns a settings copy with independent channel slices.
func (s ReaderSettings) Copy() ReaderSettings {
	c := s
	c.ActiveChannels = append([]string(nil), s.ActiveChannels...)
	c.AveragedChannels = append([]string(nil), s.AveragedChannels...)
	return c
}

// ReaderSettingsConfig carries requested changes for ConfigureSettings.
// Nil fields are left untouched; the rest apply independently.
type ReaderSettingsConfig struct {
	TraceWindowSize    *float64
	MovingAverageWidth *int
	OversamplingFactor *int
	DataRate           *float64
	ActiveChannels     []string
	AveragedChannels   []string
}

// StatusUpdate is the payload of a status-changed notification.
type StatusUpdate struct {
	Running   bool
	Recording bool
}

// TraceUpdate is the payload of a data-changed notification: the rolling
// window plus, when a moving average is configured, the averaged tail.
type TraceUpdate struct {
	Times         []float64
	Traces        map[string][]float64
	AveragedTimes []float64
	Averaged      map[string][]float64
}

// ReaderConfig holds the construction parameters of a TimeSeriesReader.
type ReaderConfig struct {
	MaxFrameRate        float64 // UI refresh cap, Hz; 0 means the 10 Hz default
	ConvertCountsToRate bool    // display digital channels as event rates (Hz)
	Settings            ReaderSettings
}

// TimeSeriesReader owns the acquisition loop, the rolling raw and averaged
// trace buffers and the start/stop/record state machine. It polls its
// Streamer for newly available samples, de-oversamples them, rolls them into
// the fixed-size buffers, recomputes the moving average and pushes
// data/status/settings notifications to the updates channel.
//
// A single lock serializes the loop body with every control call, so
// configuration changes take effect at loop boundaries, never mid-block.
type TimeSeriesReader struct {
	streamer Streamer
	saver    Saver
	updates  chan<- ClientUpdate

	maxFrameRate        float64
	convertCountsToRate bool

	settings        ReaderSettings
	samplesPerFrame int // minimum data points per loop iteration

	traceData         *mat.Dense // nActive x (window + width/2)
	traceDataAveraged *mat.Dense // nAveraged x (window - width/2), nil if none
	traceTimeAxis     []float64
	activeDescriptors []Channel
	averagedIndices   []int // row in traceData for each averaged channel

	recordedData    []*mat.Dense
	recording       bool
	recordStartTime time.Time

	running       bool
	stopRequested bool
	nextFrame     chan struct{} // self-trigger of the acquisition loop

	lock sync.Mutex
}

// NewTimeSeriesReader builds a reader over the given streamer and saver.
// Zero-valued settings fields fall back to the defaults (6 s window, width 9,
// no oversampling, 50 Hz, all streamer channels active and averaged). The
// updates channel may be nil to disable notifications.
func NewTimeSeriesReader(streamer Streamer, saver Saver, updates chan<- ClientUpdate, cfg ReaderConfig) *TimeSeriesReader {
	r := &TimeSeriesReader{
		streamer:            streamer,
		saver:               saver,
		updates:             updates,
		maxFrameRate:        cfg.MaxFrameRate,
		convertCountsToRate: cfg.ConvertCountsToRate,
		settings:            cfg.Settings.Copy(),
		stopRequested:       true,
	}
	if r.maxFrameRate <= 0 {
		r.maxFrameRate = 10
	}
	if r.settings.TraceWindowSize <= 0 {
		r.settings.TraceWindowSize = 6
	}
	if r.settings.MovingAverageWidth < 1 {
		r.settings.MovingAverageWidth = 9
	}
	if r.settings.MovingAverageWidth%2 == 0 {
		ProblemLogger.Printf("moving average width must be an odd integer; changing value from %d to %d",
			r.settings.MovingAverageWidth, r.settings.MovingAverageWidth+1)
		r.settings.MovingAverageWidth++
	}
	if r.settings.OversamplingFactor < 1 {
		r.settings.OversamplingFactor = 1
	}
	if r.settings.DataRate <= 0 {
		r.settings.DataRate = 50
	}
	available := channelNames(streamer.Constraints().AvailableChannels())
	if len(r.settings.ActiveChannels) == 0 {
		r.settings.ActiveChannels = available
	}
	if r.settings.AveragedChannels == nil {
		r.settings.AveragedChannels = append([]string(nil), r.settings.ActiveChannels...)
	}
	if r.windowSizeSamples() < r.settings.MovingAverageWidth {
		ProblemLogger.Printf("trace window covers fewer points than the moving average width %d; widening window size to match",
			r.settings.MovingAverageWidth)
		r.settings.TraceWindowSize = float64(r.settings.MovingAverageWidth) / r.settings.DataRate
	}
	r.samplesPerFrame = int(math.Ceil(r.settings.DataRate / r.maxFrameRate))
	r.initDataArrays()
	return r
}

// windowSizeSamples is the nominal displayed window length in data points.
func (r *TimeSeriesReader) windowSizeSamples() int {
	return int(math.Round(r.settings.TraceWindowSize * r.settings.DataRate))
}

// samplingRate is the raw streamer rate implied by the current settings.
func (r *TimeSeriesReader) samplingRate() float64 {
	return r.settings.DataRate * float64(r.settings.OversamplingFactor)
}

// initDataArrays recreates the trace buffers from the current settings.
// The raw buffer keeps width/2 extra trailing columns: they hold the newest
// samples, which supply left-context for the moving-average convolution
// before scrolling into the displayed window. Callers must hold r.lock.
func (r *TimeSeriesReader) initDataArrays() {
	window := r.windowSizeSamples()
	margin := r.settings.MovingAverageWidth / 2

	constraints := r.streamer.Constraints()
	available := constraints.AvailableChannels()
	r.activeDescriptors = make([]Channel, 0, len(r.settings.ActiveChannels))
	for _, name := range r.settings.ActiveChannels {
		if ch, ok := findChannel(available, name); ok {
			r.activeDescriptors = append(r.activeDescriptors, ch)
		}
	}

	r.traceData = mat.NewDense(len(r.settings.ActiveChannels), window+margin, nil)
	r.averagedIndices = r.averagedIndices[:0]
	for _, name := range r.settings.AveragedChannels {
		for i, active := range r.settings.ActiveChannels {
			if active == name {
				r.averagedIndices = append(r.averagedIndices, i)
				break
			}
		}
	}
	if len(r.averagedIndices) > 0 {
		r.traceDataAveraged = mat.NewDense(len(r.averagedIndices), window-margin, nil)
	} else {
		r.traceDataAveraged = nil
	}

	r.traceTimeAxis = make([]float64, window)
	for i := range r.traceTimeAxis {
		r.traceTimeAxis[i] = float64(i) / r.settings.DataRate
	}
	r.recordedData = nil
}

// AllSettings returns a copy of the current reader settings.
func (r *TimeSeriesReader) AllSettings() ReaderSettings {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.settings.Copy()
}

// StreamerConstraints exposes the hardware constraints of the streamer.
func (r *TimeSeriesReader) StreamerConstraints() StreamConstraints {
	return r.streamer.Constraints()
}

// SamplingRate returns DataRate x OversamplingFactor in Hz.
func (r *TimeSeriesReader) SamplingRate() float64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.samplingRate()
}

// IsRunning reports whether the acquisition loop is active.
func (r *TimeSeriesReader) IsRunning() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.running
}

// IsRecording reports whether the recording accumulator is armed or active.
func (r *TimeSeriesReader) IsRecording() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.recording
}

// ChannelUnits maps each active channel name to its physical unit.
func (r *TimeSeriesReader) ChannelUnits() map[string]string {
	r.lock.Lock()
	defer r.lock.Unlock()
	units := make(map[string]string, len(r.activeDescriptors))
	for _, ch := range r.activeDescriptors {
		units[ch.Name] = ch.Unit
	}
	return units
}

// ConfigureSettings validates and applies the non-nil fields of cfg. It is
// rejected outright while recording. If the reader is running, the stream is
// transparently stopped, reconfigured and restarted; consumers only observe
// a brief gap. The full settings are returned so callers can detect fields
// that did not apply.
func (r *TimeSeriesReader) ConfigureSettings(cfg ReaderSettingsConfig) ReaderSettings {
	r.lock.Lock()
	if r.recording {
		defer r.lock.Unlock()
		ProblemLogger.Println("unable to configure settings while data is being recorded")
		return r.settings.Copy()
	}

	restart := r.running
	if restart {
		r.shutdownLocked()
	}

	constraints := r.streamer.Constraints()
	available := constraints.AvailableChannels()

	if cfg.ActiveChannels != nil {
		valid := len(cfg.ActiveChannels) > 0
		for _, name := range cfg.ActiveChannels {
			if _, ok := findChannel(available, name); !ok {
				ProblemLogger.Printf("invalid channel %q requested; active channels unchanged", name)
				valid = false
				break
			}
		}
		if valid {
			r.settings.ActiveChannels = append([]string(nil), cfg.ActiveChannels...)
			// Averaged channels must stay a subset of the active ones.
			kept := r.settings.AveragedChannels[:0]
			for _, name := range r.settings.AveragedChannels {
				for _, active := range r.settings.ActiveChannels {
					if name == active {
						kept = append(kept, name)
						break
					}
				}
			}
			r.settings.AveragedChannels = kept
		}
	}
	if cfg.AveragedChannels != nil {
		kept := make([]string, 0, len(cfg.AveragedChannels))
		for _, name := range cfg.AveragedChannels {
			found := false
			for _, active := range r.settings.ActiveChannels {
				if name == active {
					found = true
					break
				}
			}
			if !found {
				ProblemLogger.Printf("averaged channel %q is not an active channel; dropped", name)
				continue
			}
			kept = append(kept, name)
		}
		r.settings.AveragedChannels = kept
	}

	hasDigital, hasAnalog := false, false
	for _, name := range r.settings.ActiveChannels {
		if ch, ok := findChannel(available, name); ok {
			hasDigital = hasDigital || ch.Type == DigitalChannel
			hasAnalog = hasAnalog || ch.Type == AnalogChannel
		}
	}
	limits := constraints.SampleRateLimits(hasDigital, hasAnalog)

	if cfg.OversamplingFactor != nil {
		newVal := *cfg.OversamplingFactor
		switch {
		case newVal < 1:
			ProblemLogger.Printf("oversampling factor must be integer value >= 1 (received %d)", newVal)
		case !limits.Contains(float64(newVal)*r.settings.DataRate) && cfg.DataRate == nil:
			ProblemLogger.Printf("oversampling factor %d would cause sampling rate outside allowed range; setting not changed", newVal)
		default:
			r.settings.OversamplingFactor = newVal
		}
	}

	if cfg.MovingAverageWidth != nil {
		newVal := *cfg.MovingAverageWidth
		if newVal < 1 {
			ProblemLogger.Printf("moving average width must be integer value >= 1 (received %d)", newVal)
		} else {
			if newVal%2 == 0 {
				newVal++
				ProblemLogger.Printf("moving average width must be odd to keep data aligned; increasing value to %d", newVal)
			}
			r.settings.MovingAverageWidth = newVal
			if float64(newVal)/r.settings.DataRate > r.settings.TraceWindowSize &&
				cfg.DataRate == nil && cfg.TraceWindowSize == nil {
				ProblemLogger.Printf("moving average width %d exceeds the trace window; widening window size to match", newVal)
				r.settings.TraceWindowSize = float64(newVal) / r.settings.DataRate
			}
		}
	}

	if cfg.DataRate != nil {
		newVal := *cfg.DataRate
		if newVal <= 0 {
			ProblemLogger.Println("data rate must be float value > 0")
		} else {
			sampleRate := newVal * float64(r.settings.OversamplingFactor)
			if !limits.Contains(sampleRate) {
				ProblemLogger.Printf("data rate %.3e Hz would cause sampling rate outside allowed range; clipping to boundaries", newVal)
				newVal = limits.Clip(sampleRate) / float64(r.settings.OversamplingFactor)
			}
			r.settings.DataRate = newVal
			if float64(r.settings.MovingAverageWidth)/newVal > r.settings.TraceWindowSize &&
				cfg.TraceWindowSize == nil {
				ProblemLogger.Printf("data rate %.3e Hz leaves too few points in the trace window; widening window size", newVal)
				r.settings.TraceWindowSize = float64(r.settings.MovingAverageWidth) / newVal
			}
		}
	}

	if cfg.TraceWindowSize != nil {
		newVal := *cfg.TraceWindowSize
		if newVal <= 0 {
			ProblemLogger.Println("trace window size must be float value > 0")
		} else {
			// Round the window to a whole number of data points.
			points := int(math.Round(newVal * r.settings.DataRate))
			if points < r.settings.MovingAverageWidth {
				ProblemLogger.Printf("requested trace window of %.3e s has too few points for the moving average; widening window size", newVal)
				points = r.settings.MovingAverageWidth
			}
			r.settings.TraceWindowSize = float64(points) / r.settings.DataRate
		}
	}

	// Whatever combination of requests survived validation, the window must
	// still cover the moving average before the buffers are reallocated.
	if r.windowSizeSamples() < r.settings.MovingAverageWidth {
		ProblemLogger.Printf("trace window covers fewer points than the moving average width %d; widening window size to match",
			r.settings.MovingAverageWidth)
		r.settings.TraceWindowSize = float64(r.settings.MovingAverageWidth) / r.settings.DataRate
	}

	r.samplesPerFrame = int(math.Ceil(r.settings.DataRate / r.maxFrameRate))
	r.initDataArrays()
	if !restart {
		r.configureStreamerLocked()
	}
	settings := r.settings.Copy()
	r.emitSettingsLocked()
	if !restart {
		r.emitDataLocked()
	}
	r.lock.Unlock()

	if restart {
		r.StartReading()
	}
	return settings
}

// configureStreamerLocked pushes the reader settings down to the streamer:
// continuous mode, a generously large circular buffer (so a configuration
// change can never silently stop the stream on overflow) and the raw sample
// rate implied by oversampling. Callers must hold r.lock and the streamer
// must be idle.
func (r *TimeSeriesReader) configureStreamerLocked() {
	sampleRate := r.samplingRate()
	dtype := Float64
	mode := Continuous
	bufferSize := 10000000
	circular := true
	r.streamer.Configure(StreamerConfig{
		SampleRate:        &sampleRate,
		DataType:          &dtype,
		StreamingMode:     &mode,
		ActiveChannels:    r.settings.ActiveChannels,
		BufferSize:        &bufferSize,
		UseCircularBuffer: &circular,
	})
}

// StartReading starts the acquisition loop. Calling it while already running
// logs a warning, re-announces the status and succeeds without side effects.
func (r *TimeSeriesReader) StartReading() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.running {
		ProblemLogger.Println("data acquisition already running; StartReading call ignored")
		r.emitStatusLocked()
		return 0
	}

	r.initDataArrays()
	r.stopRequested = false
	r.configureStreamerLocked()

	if r.recording {
		// Recording was pre-armed: the accumulator starts with the stream.
		r.recordedData = nil
		r.recordStartTime = time.Now()
	}
	if r.streamer.StartStream() < 0 {
		ProblemLogger.Println("error while starting streaming device data acquisition")
		r.stopRequested = true
		r.recording = false
		r.emitStatusLocked()
		return -1
	}
	r.running = true
	r.emitStatusLocked()

	r.nextFrame = make(chan struct{}, 1)
	r.nextFrame <- struct{}{}
	go r.acquisitionLoop(r.nextFrame)
	return 0
}

// StopReading requests a stop. The flag is consumed at the next loop check;
// a blocking read already in flight runs to completion first.
func (r *TimeSeriesReader) StopReading() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.running {
		r.stopRequested = true
	}
	return 0
}

// acquisitionLoop drains self-trigger tokens until an iteration reports the
// run is over. Every successful iteration re-arms before returning, so the
// loop always either holds the lock or has one token pending.
func (r *TimeSeriesReader) acquisitionLoop(frames chan struct{}) {
	for range frames {
		if !r.acquireDataBlock(frames) {
			return
		}
	}
}

// rearm posts the next self-trigger token.
func (r *TimeSeriesReader) rearm(frames chan struct{}) {
	select {
	case frames <- struct{}{}:
	default:
	}
}

// acquireDataBlock performs one iteration of the acquisition loop: check the
// stop flag, size the next read, blocking-read it, process it and notify.
// Returns false when the loop must terminate.
func (r *TimeSeriesReader) acquireDataBlock(frames chan struct{}) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	// A configuration restart may have superseded this run.
	if frames != r.nextFrame || !r.running {
		return false
	}
	if r.stopRequested {
		r.shutdownLocked()
		return false
	}

	ov := r.settings.OversamplingFactor
	samplesToRead := r.streamer.AvailableSamples()
	samplesToRead -= samplesToRead % ov
	if minFrame := r.samplesPerFrame * ov; samplesToRead < minFrame {
		samplesToRead = minFrame
	}
	if samplesToRead < 1 {
		// Nothing to read yet; yield and retry. No samples are dropped.
		r.rearm(frames)
		return true
	}

	data := r.streamer.ReadData(samplesToRead)
	if _, got := data.Dims(); got != samplesToRead {
		ProblemLogger.Println("reading data from streamer went wrong; stopping the stream with next data frame")
		r.stopRequested = true
		r.rearm(frames)
		return true
	}

	r.processTraceBlock(data)
	r.emitDataLocked()
	r.rearm(frames)
	return true
}

// shutdownLocked performs the orderly stop: halt the streamer, flush any
// active recording, transition to idle and notify. Callers must hold r.lock.
func (r *TimeSeriesReader) shutdownLocked() {
	if r.streamer.StopStream() < 0 {
		ProblemLogger.Println("error while trying to stop streaming device data acquisition")
	}
	if r.recording {
		r.saveRecordedDataLocked("")
		r.recordedData = nil
	}
	r.recording = false
	r.running = false
	r.stopRequested = true
	r.nextFrame = nil
	r.emitStatusLocked()
}

// StartRecording arms the accumulator. If the stream is not running yet it
// is started as well; the start timestamp is captured the instant the stream
// starts. Returns -1 if recording was already active.
func (r *TimeSeriesReader) StartRecording() int {
	r.lock.Lock()
	if r.recording {
		r.emitStatusLocked()
		r.lock.Unlock()
		return -1
	}
	r.recording = true
	if r.running {
		r.recordedData = nil
		r.recordStartTime = time.Now()
		r.emitStatusLocked()
		r.lock.Unlock()
		return 0
	}
	r.lock.Unlock()
	return r.StartReading()
}

// StopRecording clears the recording flag and, if the stream is running,
// flushes the accumulated blocks to the saver. The data stream itself keeps
// running.
func (r *TimeSeriesReader) StopRecording() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.recording {
		r.emitStatusLocked()
		return 0
	}
	r.recording = false
	if r.running {
		r.saveRecordedDataLocked("")
		r.recordedData = nil
		r.emitStatusLocked()
	}
	return 0
}

// saveRecordedDataLocked concatenates the accumulated blocks, builds the
// parameter block and hands everything to the saver. With zero accumulated
// samples it logs an error and returns an empty array plus parameters
// describing that nothing was saved. Callers must hold r.lock.
func (r *TimeSeriesReader) saveRecordedDataLocked(nameTag string) (*mat.Dense, []Parameter) {
	totalSamples := 0
	for _, block := range r.recordedData {
		_, n := block.Dims()
		totalSamples += n
	}
	if totalSamples == 0 {
		ProblemLogger.Println("no data has been recorded; save to file failed")
		return &mat.Dense{}, []Parameter{{Key: "Samples per channel", Value: "0"}}
	}

	nchan := len(r.settings.ActiveChannels)
	dataArr := mat.NewDense(nchan, totalSamples, nil)
	offset := 0
	for _, block := range r.recordedData {
		_, n := block.Dims()
		for i := 0; i < nchan; i++ {
			copy(dataArr.RawRowView(i)[offset:offset+n], block.RawRowView(i))
		}
		offset += n
	}

	stopTime := r.recordStartTime.Add(
		time.Duration(float64(totalSamples) / r.settings.DataRate * float64(time.Second)))
	parameters := []Parameter{
		{Key: "Start recording time", Value: r.recordStartTime.Format(timestampLayout)},
		{Key: "Stop recording time", Value: stopTime.Format(timestampLayout)},
		{Key: "Data rate (Hz)", Value: strconv.FormatFloat(r.settings.DataRate, 'f', 6, 64)},
		{Key: "Oversampling factor (samples)", Value: strconv.Itoa(r.settings.OversamplingFactor)},
		{Key: "Sampling rate (Hz)", Value: strconv.FormatFloat(r.samplingRate(), 'f', 6, 64)},
	}

	if r.saver != nil {
		filelabel := "data_trace"
		if nameTag != "" {
			filelabel = fmt.Sprintf("data_trace_%s", nameTag)
		}
		path := r.saver.PathForModule("TimeSeriesReader")
		data := map[string]*mat.Dense{r.channelHeaderLocked(): dataArr}
		if err := r.saver.Save(data, path, parameters, filelabel, stopTime); err != nil {
			ProblemLogger.Printf("saving recorded time series failed: %s", err)
		} else {
			UpdateLogger.Printf("time series saved to %s", path)
		}
	}
	return dataArr, parameters
}

// channelHeaderLocked renders the "name (unit), ..." header line for saved
// files. Callers must hold r.lock.
func (r *TimeSeriesReader) channelHeaderLocked() string {
	header := ""
	for i, ch := range r.activeDescriptors {
		if i > 0 {
			header += ", "
		}
		header += fmt.Sprintf("%s (%s)", ch.Name, ch.Unit)
	}
	return header
}

// SaveTraceSnapshot exports the currently displayed window as a point-in-time
// snapshot. It needs no active recording and never touches the accumulator.
func (r *TimeSeriesReader) SaveTraceSnapshot(nameTag string) (map[string][]float64, []Parameter) {
	r.lock.Lock()
	defer r.lock.Unlock()

	timestamp := time.Now()
	parameters := []Parameter{
		{Key: "Time stamp", Value: timestamp.Format(timestampLayout)},
		{Key: "Data rate (Hz)", Value: strconv.FormatFloat(r.settings.DataRate, 'f', 6, 64)},
		{Key: "Oversampling factor (samples)", Value: strconv.Itoa(r.settings.OversamplingFactor)},
		{Key: "Sampling rate (Hz)", Value: strconv.FormatFloat(r.samplingRate(), 'f', 6, 64)},
	}

	window := r.windowSizeSamples()
	traces := r.traceDataLocked()
	snapshot := mat.NewDense(len(r.settings.ActiveChannels), window, nil)
	for i, name := range r.settings.ActiveChannels {
		copy(snapshot.RawRowView(i), traces[name])
	}

	if r.saver != nil {
		filelabel := "data_trace_snapshot"
		if nameTag != "" {
			filelabel = fmt.Sprintf("data_trace_snapshot_%s", nameTag)
		}
		path := r.saver.PathForModule("TimeSeriesReader")
		data := map[string]*mat.Dense{r.channelHeaderLocked(): snapshot}
		if err := r.saver.Save(data, path, parameters, filelabel, timestamp); err != nil {
			ProblemLogger.Printf("saving trace snapshot failed: %s", err)
		} else {
			UpdateLogger.Printf("time series snapshot saved to %s", path)
		}
	}
	return traces, parameters
}

// TraceData returns the time axis and a per-channel copy of the displayed
// raw window, trimmed of the moving-average context margin.
func (r *TimeSeriesReader) TraceData() ([]float64, map[string][]float64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	times := append([]float64(nil), r.traceTimeAxis...)
	return times, r.traceDataLocked()
}

func (r *TimeSeriesReader) traceDataLocked() map[string][]float64 {
	window := r.windowSizeSamples()
	traces := make(map[string][]float64, len(r.settings.ActiveChannels))
	for i, name := range r.settings.ActiveChannels {
		row := r.traceData.RawRowView(i)
		traces[name] = append([]float64(nil), row[:window]...)
	}
	return traces
}

// AveragedTraceData returns the tail of the time axis covered by the
// averaged buffer and a per-channel copy of it, or (nil, nil) when no
// channels are averaged or the width is 1.
func (r *TimeSeriesReader) AveragedTraceData() ([]float64, map[string][]float64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.averagedTraceDataLocked()
}

func (r *TimeSeriesReader) averagedTraceDataLocked() ([]float64, map[string][]float64) {
	if r.traceDataAveraged == nil || r.settings.MovingAverageWidth <= 1 {
		return nil, nil
	}
	_, cols := r.traceDataAveraged.Dims()
	times := append([]float64(nil), r.traceTimeAxis[len(r.traceTimeAxis)-cols:]...)
	averaged := make(map[string][]float64, len(r.settings.AveragedChannels))
	for k, name := range r.settings.AveragedChannels {
		averaged[name] = append([]float64(nil), r.traceDataAveraged.RawRowView(k)...)
	}
	return times, averaged
}

// emit helpers; all callers hold r.lock. A nil updates channel disables
// notifications.

func (r *TimeSeriesReader) emitStatusLocked() {
	if r.updates == nil {
		return
	}
	r.updates <- ClientUpdate{Tag: TagStatus, State: StatusUpdate{Running: r.running, Recording: r.recording}}
}

func (r *TimeSeriesReader) emitSettingsLocked() {
	if r.updates == nil {
		return
	}
	r.updates <- ClientUpdate{Tag: TagSettings, State: r.settings.Copy()}
}

func (r *TimeSeriesReader) emitDataLocked() {
	if r.updates == nil {
		return
	}
	update := TraceUpdate{
		Times:  append([]float64(nil), r.traceTimeAxis...),
		Traces: r.traceDataLocked(),
	}
	update.AveragedTimes, update.Averaged = r.averagedTraceDataLocked()
	r.updates <- ClientUpdate{Tag: TagData, State: update}
}
