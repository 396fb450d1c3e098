package timetrace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/diamondnv/timetrace/internal/tracedb"
	"github.com/diamondnv/timetrace/internal/tracefile"
)

// DiskSaver persists data arrays under BasePath in dated run directories:
// BasePath/<module>/<yyyymmdd>/<nnnn>/<yyyymmdd>_run<nnnn>_<label>_<ulid>.dat
// Each array goes to a tab-delimited text file with a commented parameter
// header; WriteNpy adds a binary .npy companion. When DB is connected, a
// metadata row is recorded per file.
type DiskSaver struct {
	BasePath string
	WriteNpy bool
	DB       *tracedb.Connection
}

// PathForModule returns the directory data of the named module goes to.
func (s *DiskSaver) PathForModule(module string) string {
	return filepath.Join(s.BasePath, module)
}

// makeDirectory creates the dated run directory under basepath and returns
// a format string for filenames in it, waiting to fill in the label and the
// file suffix.
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := filepath.Join(basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := filepath.Join(todayDir, fmt.Sprintf("%4.4d", i))
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return filepath.Join(thisDir, fmt.Sprintf("%s_run%4.4d_%%s.%%s", today, i)), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

// Save writes each header->array pair to its own pair of files. Map keys
// become the column-label line of the text header.
func (s *DiskSaver) Save(data map[string]*mat.Dense, path string, parameters []Parameter,
	filelabel string, timestamp time.Time) error {

	pattern, err := makeDirectory(path)
	if err != nil {
		return err
	}
	id := ulid.Make().String()

	// The recording row must exist before any file rows that reference it.
	recording := recordingEntry(id, filelabel, data, parameters, timestamp)
	s.DB.RecordRecording(recording)

	for header, arr := range data {
		label := fmt.Sprintf("%s_%s", filelabel, id)
		textName := fmt.Sprintf(pattern, label, "dat")
		if err := tracefile.WriteFile(textName, parameters, header, arr); err != nil {
			return fmt.Errorf("could not write %s: %w", textName, err)
		}
		if s.WriteNpy {
			npyName := fmt.Sprintf(pattern, label, "npy")
			if err := tracefile.WriteNpy(npyName, arr); err != nil {
				return fmt.Errorf("could not write %s: %w", npyName, err)
			}
		}
		s.recordFile(textName, arr, timestamp, id)
	}
	s.DB.FinishRecording(recording)
	return nil
}

// recordingEntry builds the database row describing one saved recording or
// snapshot. The acquisition parameters travel in the saved-file parameter
// block, so they are read back out of it by key.
func recordingEntry(id, label string, data map[string]*mat.Dense, parameters []Parameter,
	timestamp time.Time) *tracedb.RecordingMessage {

	msg := &tracedb.RecordingMessage{ID: id, Label: label, Start: timestamp, Stop: timestamp}
	for _, arr := range data {
		if nchan, _ := arr.Dims(); nchan > msg.Nchannels {
			msg.Nchannels = nchan
		}
	}
	for _, p := range parameters {
		switch p.Key {
		case "Start recording time", "Time stamp":
			if t, err := time.ParseInLocation(timestampLayout, p.Value, time.Local); err == nil {
				msg.Start = t
			}
		case "Data rate (Hz)":
			msg.DataRate, _ = strconv.ParseFloat(p.Value, 64)
		case "Sampling rate (Hz)":
			msg.SamplingRate, _ = strconv.ParseFloat(p.Value, 64)
		case "Oversampling factor (samples)":
			msg.Oversampling, _ = strconv.Atoi(p.Value)
		}
	}
	return msg
}

// recordFile submits file metadata to the database, if one is connected.
func (s *DiskSaver) recordFile(filename string, arr *mat.Dense, timestamp time.Time, recordingID string) {
	if !s.DB.IsConnected() {
		return
	}
	var size int64
	if info, err := os.Stat(filename); err == nil {
		size = info.Size()
	}
	_, samples := arr.Dims()
	s.DB.RecordFile(&tracedb.FileMessage{
		RecordingID: recordingID,
		Filename:    filename,
		Filetype:    strings.TrimPrefix(filepath.Ext(filename), "."),
		Timestamp:   timestamp,
		Samples:     samples,
		Size:        size,
	})
}
