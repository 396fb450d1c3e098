package timetrace

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"
)

// ReaderControl is the sub-server that handles configuration and operation
// of the time-series reader over JSON-RPC.
type ReaderControl struct {
	reader        *TimeSeriesReader
	sim           *SimStreamer // nil when a hardware streamer is attached
	clientUpdates chan<- ClientUpdate
}

// ConfigureSettings applies the given partial settings, persists the result
// to the config file and replies with the full settings in effect, so the
// caller can detect values that were adjusted or refused.
func (rc *ReaderControl) ConfigureSettings(args *ReaderSettingsConfig, reply *ReaderSettings) error {
	log.Printf("ConfigureSettings: %+v\n", args)
	*reply = rc.reader.ConfigureSettings(*args)

	viper.Set("reader", *reply)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not store reader settings: %s", err)
	}
	return nil
}

// Settings replies with the current reader settings without changing them.
func (rc *ReaderControl) Settings(dummy *string, reply *ReaderSettings) error {
	*reply = rc.reader.AllSettings()
	return nil
}

// Constraints replies with the streamer's hardware constraints.
func (rc *ReaderControl) Constraints(dummy *string, reply *StreamConstraints) error {
	*reply = rc.reader.StreamerConstraints()
	return nil
}

// Start begins the continuous acquisition loop.
func (rc *ReaderControl) Start(dummy *string, reply *bool) error {
	log.Printf("Starting time-series acquisition\n")
	*reply = rc.reader.StartReading() == 0
	return nil
}

// Stop requests the acquisition loop to halt at the next frame boundary.
func (rc *ReaderControl) Stop(dummy *string, reply *bool) error {
	log.Printf("Stopping time-series acquisition\n")
	*reply = rc.reader.StopReading() == 0
	return nil
}

// StartRecording arms the recording accumulator, starting the stream first
// if necessary.
func (rc *ReaderControl) StartRecording(dummy *string, reply *bool) error {
	log.Printf("Starting time-series recording\n")
	*reply = rc.reader.StartRecording() == 0
	return nil
}

// StopRecording flushes the accumulated recording to disk. The stream keeps
// running.
func (rc *ReaderControl) StopRecording(dummy *string, reply *bool) error {
	log.Printf("Stopping time-series recording\n")
	*reply = rc.reader.StopRecording() == 0
	return nil
}

// SaveTraceSnapshot saves the currently displayed trace window, labeled with
// the optional name tag.
func (rc *ReaderControl) SaveTraceSnapshot(nameTag *string, reply *bool) error {
	log.Printf("Saving trace snapshot\n")
	rc.reader.SaveTraceSnapshot(*nameTag)
	*reply = true
	return nil
}

// ConfigureSimStreamer updates the synthetic signal parameters (per-channel
// event rates and amplitudes) while the stream is idle and persists them.
func (rc *ReaderControl) ConfigureSimStreamer(args *SimStreamerConfig, reply *bool) error {
	log.Printf("ConfigureSimStreamer: %+v\n", args)
	*reply = false
	if rc.sim == nil {
		return fmt.Errorf("no synthetic streamer is attached")
	}
	if err := rc.sim.ConfigureSignals(args.DigitalEventRates, args.AnalogAmplitudes); err != nil {
		return err
	}
	viper.Set("simulator.digitaleventrates", args.DigitalEventRates)
	viper.Set("simulator.analogamplitudes", args.AnalogAmplitudes)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not store simulator settings: %s", err)
	}
	*reply = true
	return nil
}

func (rc *ReaderControl) broadcastStatus() {
	rc.clientUpdates <- ClientUpdate{TagStatus,
		StatusUpdate{Running: rc.reader.IsRunning(), Recording: rc.reader.IsRecording()}}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// state: status, settings and the current trace window.
func (rc *ReaderControl) SendAllStatus(dummy *string, reply *bool) error {
	rc.broadcastStatus()
	rc.clientUpdates <- ClientUpdate{TagSettings, rc.reader.AllSettings()}
	update := TraceUpdate{}
	update.Times, update.Traces = rc.reader.TraceData()
	update.AveragedTimes, update.Averaged = rc.reader.AveragedTraceData()
	rc.clientUpdates <- ClientUpdate{TagData, update}
	rc.clientUpdates <- ClientUpdate{TagSendAll, 0}
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server controlling the
// given reader. sim may be nil when the reader drives a hardware streamer.
func RunRPCServer(reader *TimeSeriesReader, sim *SimStreamer, messageChan chan<- ClientUpdate, portrpc int) {
	readerControl := &ReaderControl{reader: reader, sim: sim, clientUpdates: messageChan}

	// Load stored settings
	log.Printf("Timetrace is using config file %s\n", viper.ConfigFileUsed())
	var stored ReaderSettingsConfig
	if err := viper.UnmarshalKey("reader", &stored); err == nil {
		reader.ConfigureSettings(stored)
	}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			readerControl.broadcastStatus()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(readerControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
