package timetrace

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

// fakeStreamer is a deterministic Streamer for reader tests: every channel
// produces the same ramp 0, 1, 2, ... so ring-buffer and averaging results
// are exactly predictable.
type fakeStreamer struct {
	constraints StreamConstraints
	settings    StreamerSettings
	running     bool
	next        float64 // value of the next raw sample
	avail       int     // reported available samples
	mu          sync.Mutex
}

func newFakeStreamer() *fakeStreamer {
	fs := &fakeStreamer{avail: 30}
	fs.constraints = StreamConstraints{
		DigitalChannels:     []Channel{NewDigitalChannel("d0"), NewDigitalChannel("d1")},
		AnalogChannels:      []Channel{NewAnalogChannel("a0")},
		AnalogSampleRate:    ScalarConstraint{Min: 1, Max: 1000},
		DigitalSampleRate:   ScalarConstraint{Min: 1, Max: 100000},
		CombinedSampleRate:  ScalarConstraint{Min: 1, Max: 500},
		ReadBlockSize:       ScalarConstraint{Min: 1, Max: 1000000},
		StreamingModes:      []StreamingMode{Continuous},
		DataTypes:           []DataType{Float64},
		AllowCircularBuffer: true,
	}
	fs.settings = StreamerSettings{
		SampleRate:     100,
		DataType:       Float64,
		ActiveChannels: channelNames(fs.constraints.AvailableChannels()),
		BufferSize:     1000,
	}
	return fs
}

func (fs *fakeStreamer) Constraints() StreamConstraints { return fs.constraints.Copy() }

func (fs *fakeStreamer) AllSettings() StreamerSettings {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.settings.Copy()
}

func (fs *fakeStreamer) Configure(cfg StreamerConfig) StreamerSettings {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if cfg.SampleRate != nil {
		fs.settings.SampleRate = *cfg.SampleRate
	}
	if cfg.DataType != nil {
		fs.settings.DataType = *cfg.DataType
	}
	if cfg.StreamingMode != nil {
		fs.settings.StreamingMode = *cfg.StreamingMode
	}
	if cfg.ActiveChannels != nil {
		fs.settings.ActiveChannels = append([]string(nil), cfg.ActiveChannels...)
	}
	if cfg.BufferSize != nil {
		fs.settings.BufferSize = *cfg.BufferSize
	}
	if cfg.UseCircularBuffer != nil {
		fs.settings.UseCircularBuffer = *cfg.UseCircularBuffer
	}
	return fs.settings.Copy()
}

func (fs *fakeStreamer) StartStream() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.running = true
	fs.next = 0
	return 0
}

func (fs *fakeStreamer) StopStream() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.running = false
	return 0
}

func (fs *fakeStreamer) IsRunning() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.running
}

func (fs *fakeStreamer) BufferOverflown() bool { return false }

func (fs *fakeStreamer) AvailableSamples() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.running {
		return 0
	}
	return fs.avail
}

func (fs *fakeStreamer) NumberOfChannels() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.settings.ActiveChannels)
}

func (fs *fakeStreamer) ActiveChannels() []Channel {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	available := fs.constraints.AvailableChannels()
	active := make([]Channel, 0, len(fs.settings.ActiveChannels))
	for _, name := range fs.settings.ActiveChannels {
		if ch, ok := findChannel(available, name); ok {
			active = append(active, ch)
		}
	}
	return active
}

func (fs *fakeStreamer) ReadDataIntoBuffer(buf *SampleBuffer, nsamples int) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.running || nsamples < 0 {
		return -1
	}
	nchan := len(fs.settings.ActiveChannels)
	for i := 0; i < nchan; i++ {
		for j := 0; j < nsamples; j++ {
			buf.Data[i*nsamples+j] = fs.next + float64(j)
		}
	}
	fs.next += float64(nsamples)
	return nsamples
}

func (fs *fakeStreamer) ReadAvailableDataIntoBuffer(buf *SampleBuffer) int {
	return fs.ReadDataIntoBuffer(buf, fs.AvailableSamples())
}

func (fs *fakeStreamer) ReadData(nsamples int) *mat.Dense {
	time.Sleep(time.Millisecond) // mimic acquisition latency
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.running || nsamples < 1 {
		return &mat.Dense{}
	}
	nchan := len(fs.settings.ActiveChannels)
	data := mat.NewDense(nchan, nsamples, nil)
	for i := 0; i < nchan; i++ {
		row := data.RawRowView(i)
		for j := range row {
			row[j] = fs.next + float64(j)
		}
	}
	fs.next += float64(nsamples)
	return data
}

func (fs *fakeStreamer) ReadSinglePoint() []float64 {
	return make([]float64, fs.NumberOfChannels())
}

type saveCall struct {
	data      map[string]*mat.Dense
	path      string
	params    []Parameter
	filelabel string
}

type fakeSaver struct {
	mu    sync.Mutex
	calls []saveCall
}

func (s *fakeSaver) PathForModule(module string) string { return "/tmp/" + module }

func (s *fakeSaver) Save(data map[string]*mat.Dense, path string, params []Parameter,
	filelabel string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, saveCall{data, path, params, filelabel})
	return nil
}

func (s *fakeSaver) savedCalls() []saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saveCall(nil), s.calls...)
}

// drainUpdates consumes a reader's notification channel and records the tags
// seen, so emitting never blocks the code under test.
func drainUpdates(updates <-chan ClientUpdate) (func() []string, func()) {
	var mu sync.Mutex
	var tags []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			mu.Lock()
			tags = append(tags, u.Tag)
			mu.Unlock()
		}
	}()
	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), tags...)
	}
	return seen, func() { <-done }
}

// TestReaderDefaults checks the default settings and the derived buffer
// shapes: raw window of window*rate points, averaged buffer shorter by
// width/2 on both ends combined.
func TestReaderDefaults(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{})
	s := r.AllSettings()
	if s.TraceWindowSize != 6 || s.MovingAverageWidth != 9 || s.OversamplingFactor != 1 || s.DataRate != 50 {
		t.Errorf("unexpected default settings: %+v", s)
	}
	times, traces := r.TraceData()
	if len(times) != 300 {
		t.Errorf("time axis has %d points, want 300", len(times))
	}
	if len(traces) != 3 {
		t.Errorf("traces cover %d channels, want 3", len(traces))
	}
	for name, trace := range traces {
		if len(trace) != 300 {
			t.Errorf("trace %q has %d points, want 300", name, len(trace))
		}
	}
	avgTimes, averaged := r.AveragedTraceData()
	if len(avgTimes) != 296 {
		t.Errorf("averaged time axis has %d points, want 296", len(avgTimes))
	}
	for name, trace := range averaged {
		if len(trace) != 296 {
			t.Errorf("averaged trace %q has %d points, want 296", name, len(trace))
		}
	}
	if times[1]-times[0] != 1.0/50 {
		t.Errorf("time axis spacing is %g, want %g", times[1]-times[0], 1.0/50)
	}
	units := r.ChannelUnits()
	if units["d0"] != "counts" || units["a0"] != "V" {
		t.Errorf("wrong channel units: %v", units)
	}
}

// TestConfigureSettingsValidation exercises the cross-field widening and
// clipping rules.
func TestConfigureSettingsValidation(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{})

	// The window must always cover the moving average.
	coverage := func(s ReaderSettings) {
		t.Helper()
		if float64(s.MovingAverageWidth)/s.DataRate > s.TraceWindowSize+1e-9 {
			t.Errorf("moving average (%d pts at %g Hz) no longer fits the %g s window",
				s.MovingAverageWidth, s.DataRate, s.TraceWindowSize)
		}
	}

	// Even widths round up to odd.
	width := 10
	s := r.ConfigureSettings(ReaderSettingsConfig{MovingAverageWidth: &width})
	assert.Equal(t, 11, s.MovingAverageWidth, "even width should round up to odd")
	coverage(s)

	// A width too large for the window widens the window.
	rate, window, width := 10.0, 1.0, 9
	s = r.ConfigureSettings(ReaderSettingsConfig{DataRate: &rate, TraceWindowSize: &window, MovingAverageWidth: &width})
	assert.InDelta(t, 1.0, s.TraceWindowSize, 1e-9)
	width = 31
	s = r.ConfigureSettings(ReaderSettingsConfig{MovingAverageWidth: &width})
	assert.Equal(t, 31, s.MovingAverageWidth)
	assert.InDelta(t, 3.1, s.TraceWindowSize, 1e-9, "window should widen to fit the average")
	coverage(s)

	// A data rate beyond the streamer constraint is clipped. Both channel
	// types are active, so the combined limit of 500 Hz binds.
	rate = 10000
	s = r.ConfigureSettings(ReaderSettingsConfig{DataRate: &rate})
	assert.InDelta(t, 500.0, s.DataRate, 1e-9, "data rate should clip to the combined limit")
	coverage(s)

	// Oversampling below 1 is refused.
	ov := 0
	s = r.ConfigureSettings(ReaderSettingsConfig{OversamplingFactor: &ov})
	assert.Equal(t, 1, s.OversamplingFactor)

	// Oversampling that would push the sampling rate out of range is
	// refused unless the same call lowers the data rate.
	ov = 2
	s = r.ConfigureSettings(ReaderSettingsConfig{OversamplingFactor: &ov})
	assert.Equal(t, 1, s.OversamplingFactor, "oversampling at 500 Hz would need 1000 Hz sampling")
	rate = 100
	s = r.ConfigureSettings(ReaderSettingsConfig{OversamplingFactor: &ov, DataRate: &rate})
	assert.Equal(t, 2, s.OversamplingFactor)
	assert.InDelta(t, 100.0, s.DataRate, 1e-9)
	coverage(s)

	// The window rounds to a whole number of data points.
	rate, window = 50.0, 2.011
	ov = 1
	s = r.ConfigureSettings(ReaderSettingsConfig{DataRate: &rate, OversamplingFactor: &ov, TraceWindowSize: &window})
	assert.InDelta(t, 101.0/50, s.TraceWindowSize, 1e-9, "window should round to 101 points")
	coverage(s)

	// Averaged channels must be a subset of the active ones.
	s = r.ConfigureSettings(ReaderSettingsConfig{
		ActiveChannels:   []string{"d0", "a0"},
		AveragedChannels: []string{"d1", "a0"},
	})
	assert.Equal(t, []string{"d0", "a0"}, s.ActiveChannels)
	assert.Equal(t, []string{"a0"}, s.AveragedChannels, "d1 is inactive and must be dropped")

	// An unknown channel name leaves the active set unchanged.
	s = r.ConfigureSettings(ReaderSettingsConfig{ActiveChannels: []string{"bogus"}})
	assert.Equal(t, []string{"d0", "a0"}, s.ActiveChannels)
}

// TestConfigureRejectedFieldKeepsCoverage raises the moving-average width in
// the same call as an invalid window or data-rate request. The rejected field
// must not leave the window too short for the average, or the buffer
// allocation would fail.
func TestConfigureRejectedFieldKeepsCoverage(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{})

	width, window := 601, -1.0
	s := r.ConfigureSettings(ReaderSettingsConfig{MovingAverageWidth: &width, TraceWindowSize: &window})
	assert.Equal(t, 601, s.MovingAverageWidth)
	assert.InDelta(t, 601.0/50, s.TraceWindowSize, 1e-9, "window must widen to cover the average")
	times, traces := r.TraceData()
	if len(times) != 601 {
		t.Errorf("time axis has %d points, want 601", len(times))
	}
	for name, trace := range traces {
		if len(trace) != 601 {
			t.Errorf("trace %q has %d points, want 601", name, len(trace))
		}
	}

	r = NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{})
	rate := -5.0
	s = r.ConfigureSettings(ReaderSettingsConfig{MovingAverageWidth: &width, DataRate: &rate})
	assert.Equal(t, 601, s.MovingAverageWidth)
	assert.InDelta(t, 50.0, s.DataRate, 1e-9, "invalid rate must stay rejected")
	assert.InDelta(t, 601.0/50, s.TraceWindowSize, 1e-9)

	// Construction applies the same rule to the initial settings.
	r = NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 601, DataRate: 50},
	})
	s = r.AllSettings()
	assert.InDelta(t, 601.0/50, s.TraceWindowSize, 1e-9, "constructor must widen a too-short window")
}

// TestProcessBlockRing checks the roll-left ring-buffer semantics of the raw
// trace window.
func TestProcessBlockRing(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 5, DataRate: 10},
	})
	// window = 10 points, margin = 2, raw buffer = 12 columns.

	blockA := mat.NewDense(3, 12, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 12; j++ {
			blockA.Set(i, j, float64(j))
		}
	}
	r.processTraceBlock(blockA)

	blockB := mat.NewDense(3, 6, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 6; j++ {
			blockB.Set(i, j, float64(100+j))
		}
	}
	r.processTraceBlock(blockB)

	_, traces := r.TraceData()
	want := []float64{6, 7, 8, 9, 10, 11, 100, 101, 102, 103}
	if !assert.Equal(t, want, traces["d0"]) {
		t.Logf("full trace state: %s", spew.Sdump(traces))
	}

	// A block larger than the whole buffer keeps only the newest samples.
	blockC := mat.NewDense(3, 30, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 30; j++ {
			blockC.Set(i, j, float64(200+j))
		}
	}
	r.processTraceBlock(blockC)
	_, traces = r.TraceData()
	assert.Equal(t, []float64{218, 219, 220, 221, 222, 223, 224, 225, 226, 227}, traces["d0"])
}

// TestProcessBlockMovingAverage checks that the averaged trace converges to
// a constant input and that every output is a full-width average.
func TestProcessBlockMovingAverage(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 5, DataRate: 10},
	})

	constant := mat.NewDense(3, 12, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 12; j++ {
			constant.Set(i, j, 7.5)
		}
	}
	r.processTraceBlock(constant)

	_, averaged := r.AveragedTraceData()
	for name, trace := range averaged {
		if len(trace) != 8 {
			t.Fatalf("averaged trace %q has %d points, want 8", name, len(trace))
		}
		for j, v := range trace {
			if math.Abs(v-7.5) > 1e-12 {
				t.Errorf("averaged trace %q[%d] = %g, want 7.5", name, j, v)
			}
		}
	}

	// On a linear ramp, a centered moving average reproduces the ramp.
	ramp := mat.NewDense(3, 12, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 12; j++ {
			ramp.Set(i, j, float64(j))
		}
	}
	r.processTraceBlock(ramp)
	_, averaged = r.AveragedTraceData()
	for j, v := range averaged["d0"] {
		want := float64(j + 2) // average of j..j+4
		if math.Abs(v-want) > 1e-12 {
			t.Errorf("averaged ramp [%d] = %g, want %g", j, v, want)
		}
	}
}

// TestProcessBlockOversampling checks that averaging each group of ov raw
// samples is lossless when the groups are internally constant.
func TestProcessBlockOversampling(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 5, OversamplingFactor: 4, DataRate: 10},
	})

	// 48 raw samples in internally constant groups of 4 decimate to the
	// ramp 0..11, filling the whole 12-column raw buffer.
	raw := mat.NewDense(3, 48, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 48; j++ {
			raw.Set(i, j, float64(j/4))
		}
	}
	r.processTraceBlock(raw)
	_, traces := r.TraceData()
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, traces["a0"])

	// A block that is not a multiple of the oversampling factor is dropped.
	bad := mat.NewDense(3, 7, nil)
	r.processTraceBlock(bad)
	_, traces = r.TraceData()
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, traces["a0"], "odd-sized block must not change the trace")
}

// TestProcessBlockCountsToRate checks the optional conversion of digital
// counts per bin into event rates.
func TestProcessBlockCountsToRate(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), nil, nil, ReaderConfig{
		ConvertCountsToRate: true,
		Settings:            ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 1, DataRate: 10},
	})

	block := mat.NewDense(3, 10, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 10; j++ {
			block.Set(i, j, 2)
		}
	}
	r.processTraceBlock(block)
	_, traces := r.TraceData()
	// 2 counts per bin at 10 Hz sampling = 20 events per second.
	assert.Equal(t, 20.0, traces["d0"][9], "digital channel should be scaled to Hz")
	assert.Equal(t, 20.0, traces["d1"][9])
	assert.Equal(t, 2.0, traces["a0"][9], "analog channel must stay unscaled")
}

// TestReaderAcquisition runs the full loop against the fake streamer:
// start, wait for data to flow, stop, and verify shapes and notifications.
func TestReaderAcquisition(t *testing.T) {
	fs := newFakeStreamer()
	updates := make(chan ClientUpdate)
	seenTags, wait := drainUpdates(updates)

	r := NewTimeSeriesReader(fs, nil, updates, ReaderConfig{
		Settings: ReaderSettings{
			TraceWindowSize:    2,
			MovingAverageWidth: 5,
			OversamplingFactor: 2,
			DataRate:           50,
		},
	})

	if r.StartReading() != 0 {
		t.Fatalf("StartReading failed")
	}
	if !r.IsRunning() {
		t.Fatalf("reader not running after StartReading")
	}

	// The streamer must have been pushed the derived configuration.
	ss := fs.AllSettings()
	assert.InDelta(t, 100.0, ss.SampleRate, 1e-9, "sampling rate should be dataRate x oversampling")
	assert.True(t, ss.UseCircularBuffer)
	assert.Equal(t, Continuous, ss.StreamingMode)

	// Wait until the ramp has filled the whole window.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, traces := r.TraceData()
		if traces["d0"][0] != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("trace window never filled; state: %s", spew.Sdump(traces["d0"][:8]))
		}
		time.Sleep(5 * time.Millisecond)
	}

	times, traces := r.TraceData()
	if len(times) != 100 {
		t.Errorf("time axis has %d points, want 100", len(times))
	}
	for name, trace := range traces {
		if len(trace) != 100 {
			t.Errorf("trace %q has %d points, want 100", name, len(trace))
		}
	}
	avgTimes, averaged := r.AveragedTraceData()
	if len(avgTimes) != 98 {
		t.Errorf("averaged time axis has %d points, want 98", len(avgTimes))
	}
	for name, trace := range averaged {
		if len(trace) != 98 {
			t.Errorf("averaged trace %q has %d points, want 98", name, len(trace))
		}
	}

	// The ramp must arrive gap-free: consecutive displayed points differ
	// by the oversampling average step (2 raw samples per point).
	trace := traces["d0"]
	for j := 1; j < len(trace); j++ {
		if trace[j]-trace[j-1] != 2 {
			t.Fatalf("lost samples between displayed points %d and %d: %g -> %g",
				j-1, j, trace[j-1], trace[j])
		}
	}

	// A second start must be refused without killing the stream.
	if r.StartReading() != 0 {
		t.Errorf("redundant StartReading should still report success")
	}
	if !r.IsRunning() {
		t.Errorf("redundant StartReading stopped the reader")
	}

	r.StopReading()
	deadline = time.Now().Add(time.Second)
	for r.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("reader did not stop within 1s")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.IsRunning() {
		t.Errorf("streamer still running after reader stop")
	}

	close(updates)
	wait()
	tags := seenTags()
	counts := map[string]int{}
	for _, tag := range tags {
		counts[tag]++
	}
	if counts[TagStatus] < 2 {
		t.Errorf("saw %d status updates, want at least start+stop", counts[TagStatus])
	}
	if counts[TagData] < 1 {
		t.Errorf("saw no data updates")
	}
}

// TestReaderRecording checks the recording life cycle end to end with a fake
// saver: arming from idle starts the stream, stopping flushes one file and
// keeps the stream alive.
func TestReaderRecording(t *testing.T) {
	fs := newFakeStreamer()
	saver := &fakeSaver{}
	r := NewTimeSeriesReader(fs, saver, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 1, DataRate: 100},
	})

	if r.StartRecording() != 0 {
		t.Fatalf("StartRecording failed")
	}
	if !r.IsRunning() || !r.IsRecording() {
		t.Fatalf("recording from idle should also start the stream")
	}
	if r.StartRecording() != -1 {
		t.Errorf("second StartRecording should be refused")
	}

	// Let a few blocks accumulate.
	time.Sleep(100 * time.Millisecond)

	if r.StopRecording() != 0 {
		t.Fatalf("StopRecording failed")
	}
	if r.IsRecording() {
		t.Errorf("still recording after StopRecording")
	}
	if !r.IsRunning() {
		t.Errorf("StopRecording must leave the stream running")
	}

	calls := saver.savedCalls()
	if len(calls) != 1 {
		t.Fatalf("saver was called %d times, want 1", len(calls))
	}
	call := calls[0]
	if call.filelabel != "data_trace" {
		t.Errorf("file label is %q, want data_trace", call.filelabel)
	}
	if call.path != "/tmp/TimeSeriesReader" {
		t.Errorf("save path is %q", call.path)
	}
	if len(call.params) == 0 || call.params[0].Key != "Start recording time" {
		t.Errorf("first parameter is %+v, want the start time", call.params)
	}
	for header, arr := range call.data {
		want := "d0 (counts), d1 (counts), a0 (V)"
		if header != want {
			t.Errorf("data header is %q, want %q", header, want)
		}
		nchan, nsamp := arr.Dims()
		if nchan != 3 {
			t.Errorf("recorded array has %d rows, want 3", nchan)
		}
		if nsamp < 30 {
			t.Errorf("recorded only %d samples per channel after 100 ms at 100 Hz", nsamp)
		}
		// The accumulator must be gap-free across block boundaries.
		row := arr.RawRowView(0)
		for j := 1; j < len(row); j++ {
			if row[j]-row[j-1] != 1 {
				t.Fatalf("recording lost samples at index %d: %g -> %g", j, row[j-1], row[j])
			}
		}
	}

	r.StopReading()
	deadline := time.Now().Add(time.Second)
	for r.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("reader did not stop within 1s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestSaveRecordedDataEmpty checks the zero-sample flush: an error is logged,
// nothing is written, and the parameters say so.
func TestSaveRecordedDataEmpty(t *testing.T) {
	saver := &fakeSaver{}
	r := NewTimeSeriesReader(newFakeStreamer(), saver, nil, ReaderConfig{})
	arr, params := r.saveRecordedDataLocked("")
	if rows, cols := arr.Dims(); rows != 0 || cols != 0 {
		t.Errorf("empty flush returned a %dx%d array, want 0x0", rows, cols)
	}
	if len(params) != 1 || params[0].Value != "0" {
		t.Errorf("empty flush parameters are %+v", params)
	}
	if len(saver.savedCalls()) != 0 {
		t.Errorf("saver must not be called for an empty recording")
	}
}

// TestSaveTraceSnapshot checks the point-in-time export of the displayed
// window, which needs no active recording.
func TestSaveTraceSnapshot(t *testing.T) {
	saver := &fakeSaver{}
	r := NewTimeSeriesReader(newFakeStreamer(), saver, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 5, DataRate: 10},
	})

	traces, params := r.SaveTraceSnapshot("check")
	for name, trace := range traces {
		if len(trace) != 10 {
			t.Errorf("snapshot trace %q has %d points, want 10", name, len(trace))
		}
	}
	if len(params) == 0 || params[0].Key != "Time stamp" {
		t.Errorf("first snapshot parameter is %+v, want the time stamp", params)
	}
	calls := saver.savedCalls()
	if len(calls) != 1 {
		t.Fatalf("saver was called %d times, want 1", len(calls))
	}
	if calls[0].filelabel != "data_trace_snapshot_check" {
		t.Errorf("file label is %q, want data_trace_snapshot_check", calls[0].filelabel)
	}
}

// TestConfigureWhileRecording checks that settings are frozen during a
// recording.
func TestConfigureWhileRecording(t *testing.T) {
	r := NewTimeSeriesReader(newFakeStreamer(), &fakeSaver{}, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 1, DataRate: 100},
	})
	if r.StartRecording() != 0 {
		t.Fatalf("StartRecording failed")
	}
	before := r.AllSettings()
	rate := 20.0
	after := r.ConfigureSettings(ReaderSettingsConfig{DataRate: &rate})
	if after.DataRate != before.DataRate {
		t.Errorf("data rate changed to %g during a recording", after.DataRate)
	}
	r.StopRecording()
	r.StopReading()
	deadline := time.Now().Add(time.Second)
	for r.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("reader did not stop within 1s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestConfigureRestartsStream checks the stop-reconfigure-restart path of
// ConfigureSettings on a live reader.
func TestConfigureRestartsStream(t *testing.T) {
	fs := newFakeStreamer()
	r := NewTimeSeriesReader(fs, nil, nil, ReaderConfig{
		Settings: ReaderSettings{TraceWindowSize: 1, MovingAverageWidth: 1, DataRate: 100},
	})
	if r.StartReading() != 0 {
		t.Fatalf("StartReading failed")
	}
	rate := 200.0
	s := r.ConfigureSettings(ReaderSettingsConfig{DataRate: &rate})
	assert.InDelta(t, 200.0, s.DataRate, 1e-9)
	if !r.IsRunning() {
		t.Fatalf("reader should be running again after a live reconfigure")
	}
	assert.InDelta(t, 200.0, fs.AllSettings().SampleRate, 1e-9, "new rate should reach the streamer")

	r.StopReading()
	deadline := time.Now().Add(time.Second)
	for r.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("reader did not stop within 1s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
