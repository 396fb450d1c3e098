package tracedb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the sessions table: one entry per
// program run.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// RecordingMessage is the information required to make an entry in the
// recordings table.
type RecordingMessage struct {
	ID           string
	SessionID    string
	Label        string
	Nchannels    int
	DataRate     float64
	SamplingRate float64
	Oversampling int
	Start        time.Time
	Stop         time.Time
}

// FileMessage is the information required to make an entry in the files
// table. Samples counts samples per channel.
type FileMessage struct {
	RecordingID string
	Filename    string
	Filetype    string
	Timestamp   time.Time
	Samples     int
	Size        int64
}
