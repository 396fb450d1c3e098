// Package tracedb records time-series acquisition metadata in a ClickHouse
// database. The database is strictly optional: when no server is reachable
// every Record* call degrades to a silent no-op.
package tracedb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "timetrace" // official SQL name of the database

const sqlTimeLayout = "2006-01-02 15:04:05.000000"

// Connection wraps one ClickHouse connection plus the goroutine that
// serializes all inserts.
type Connection struct {
	conn         clickhouse.Conn
	err          error
	sessionEntry *SessionMessage
	recordingmsg chan *RecordingMessage
	filemsg      chan *FileMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer connects, pings and prints the server version. Used by the
// -ping command-line flag to check database health.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection opens the connection, logs the program session and
// launches the insert handler. Always returns a usable *Connection; if the
// server is unreachable the connection is simply marked not-connected.
func StartDBConnection(session *SessionMessage, abort <-chan struct{}) *Connection {
	db := createDBConnection()
	db.sessionEntry = session
	db.logSession()
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a never-connected Connection for callers that
// want the DB turned off.
func DummyDBConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createDBConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("TIMETRACE_DB_USER"),
		Password: os.Getenv("TIMETRACE_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "timetrace", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.recordingmsg = make(chan *RecordingMessage)
	db.filemsg = make(chan *FileMessage)
	return db
}

func (db *Connection) logSession() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	se := db.sessionEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		se.ID, se.Hostname, se.Githash, se.Version, se.GoVersion,
		se.Start.Format(sqlTimeLayout), se.End.Format(sqlTimeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.recordingmsg:
			db.handleRecordingMessage(rmsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

// Disconnect re-logs the session entry with its final end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.sessionEntry.End = time.Now()
		db.logSession()
	}
}

// RecordRecording stores a recording entry in the DB (if it's open).
// This call blocks until the select statement in `handleConnection` accepts
// the message. The blocking guarantees the recording row exists before any
// corresponding RecordFile entries arrive, so files never reference a
// recording ID the DB has not seen.
func (db *Connection) RecordRecording(msg *RecordingMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.recordingmsg <- msg
}

// FinishRecording re-submits the recording with its final stop time.
func (db *Connection) FinishRecording(msg *RecordingMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.Stop = time.Now()
	go func() { db.recordingmsg <- msg }()
}

// RecordFile stores a file entry asynchronously.
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *Connection) handleRecordingMessage(m *RecordingMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO recordings VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.sessionEntry.ID, m.Label, m.Nchannels,
		m.DataRate, m.SamplingRate, m.Oversampling,
		m.Start.Format(sqlTimeLayout), m.Stop.Format(sqlTimeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into recordings ", err)
		db.err = err
	}
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		m.RecordingID, m.Filename, m.Filetype,
		m.Timestamp.Format(sqlTimeLayout), m.Samples, m.Size,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into files ", err)
		db.err = err
	}
}
