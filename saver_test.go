package timetrace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

// TestMakeDirectory checks the dated run-directory layout and the run-number
// increment.
func TestMakeDirectory(t *testing.T) {
	if _, err := makeDirectory(""); err == nil {
		t.Errorf("makeDirectory on an empty base path should fail")
	}

	base := t.TempDir()
	today := time.Now().Format("20060102")

	pattern0, err := makeDirectory(base)
	if err != nil {
		t.Fatalf("makeDirectory failed: %s", err)
	}
	if !strings.Contains(pattern0, filepath.Join(today, "0000")) {
		t.Errorf("first pattern %q does not contain %s/0000", pattern0, today)
	}
	pattern1, err := makeDirectory(base)
	if err != nil {
		t.Fatalf("second makeDirectory failed: %s", err)
	}
	if !strings.Contains(pattern1, filepath.Join(today, "0001")) {
		t.Errorf("second pattern %q does not contain %s/0001", pattern1, today)
	}
}

// TestDiskSaverSave checks the on-disk result: one .dat with parameter header
// plus its .npy companion, in a dated run directory.
func TestDiskSaverSave(t *testing.T) {
	saver := &DiskSaver{BasePath: t.TempDir(), WriteNpy: true}
	modulePath := saver.PathForModule("TimeSeriesReader")
	if modulePath != filepath.Join(saver.BasePath, "TimeSeriesReader") {
		t.Errorf("PathForModule returned %q", modulePath)
	}

	arr := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		10, 20, 30, 40,
	})
	params := []Parameter{
		{Key: "Data rate (Hz)", Value: "100.000000"},
	}
	data := map[string]*mat.Dense{"d0 (counts), d1 (counts)": arr}
	if err := saver.Save(data, modulePath, params, "data_trace", time.Now()); err != nil {
		t.Fatalf("Save failed: %s", err)
	}

	matches, err := filepath.Glob(filepath.Join(modulePath, "*", "0000", "*_run0000_data_trace_*.dat"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("found %d .dat files (err=%v), want 1", len(matches), err)
	}
	content, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("could not read saved file: %s", err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) != 2+4 {
		t.Fatalf("saved file has %d lines, want 6:\n%s", len(lines), content)
	}
	if lines[0] != "# Data rate (Hz): 100.000000" {
		t.Errorf("parameter line is %q", lines[0])
	}
	if lines[1] != "# d0 (counts), d1 (counts)" {
		t.Errorf("header line is %q", lines[1])
	}
	if lines[2] != "1\t10" || lines[5] != "4\t40" {
		t.Errorf("data rows wrong: %q ... %q", lines[2], lines[5])
	}

	npy := strings.TrimSuffix(matches[0], ".dat") + ".npy"
	if _, err := os.Stat(npy); err != nil {
		t.Errorf("npy companion missing: %s", err)
	}
}

// TestRecordingEntry checks that the database row submitted ahead of the file
// rows is rebuilt correctly from the saved parameter block.
func TestRecordingEntry(t *testing.T) {
	arr := mat.NewDense(3, 5, nil)
	start := time.Date(2026, 8, 24, 10, 30, 0, 0, time.Local)
	stop := start.Add(10 * time.Second)
	params := []Parameter{
		{Key: "Start recording time", Value: start.Format(timestampLayout)},
		{Key: "Stop recording time", Value: stop.Format(timestampLayout)},
		{Key: "Data rate (Hz)", Value: "50.000000"},
		{Key: "Oversampling factor (samples)", Value: "4"},
		{Key: "Sampling rate (Hz)", Value: "200.000000"},
	}
	msg := recordingEntry("01ABC", "data_trace", map[string]*mat.Dense{"h": arr}, params, stop)
	if msg.ID != "01ABC" || msg.Label != "data_trace" || msg.Nchannels != 3 {
		t.Errorf("recording entry is %+v", msg)
	}
	if msg.DataRate != 50 || msg.SamplingRate != 200 || msg.Oversampling != 4 {
		t.Errorf("acquisition parameters parsed as %g/%g/%d, want 50/200/4",
			msg.DataRate, msg.SamplingRate, msg.Oversampling)
	}
	if !msg.Start.Equal(start) {
		t.Errorf("start time is %s, want %s", msg.Start, start)
	}
	if !msg.Stop.Equal(stop) {
		t.Errorf("stop time is %s, want %s", msg.Stop, stop)
	}

	// A snapshot save carries "Time stamp" instead of a recording interval.
	snap := recordingEntry("01DEF", "data_trace_snapshot",
		map[string]*mat.Dense{"h": arr},
		[]Parameter{{Key: "Time stamp", Value: start.Format(timestampLayout)}}, start)
	if !snap.Start.Equal(start) || !snap.Stop.Equal(start) {
		t.Errorf("snapshot entry times are %s / %s, want both %s", snap.Start, snap.Stop, start)
	}
}
