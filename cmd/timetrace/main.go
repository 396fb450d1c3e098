package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/diamondnv/timetrace"
	"github.com/diamondnv/timetrace/internal/tracedb"
	"github.com/diamondnv/timetrace/internal/updatequeue"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotTimetrace := filepath.Join(HOME, ".timetrace")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotTimetrace, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/timetrace"))
	viper.AddConfigPath(dotTimetrace)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkKernelBuffers warns when the kernel socket-buffer ceiling is too small
// for the status publisher to keep up with fast data frames.
func checkKernelBuffers() {
	const recommended = 4 * 1024 * 1024
	val, err := sysctl.Get("net.core.wmem_max")
	if err != nil {
		return // not Linux, or /proc unavailable
	}
	if limit, err := strconv.Atoi(val); err == nil && limit < recommended {
		fmt.Printf("Warning: net.core.wmem_max is %d; data updates may stall.\n", limit)
		fmt.Printf("Consider: sudo sysctl -w net.core.wmem_max=%d\n\n", recommended)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	timetrace.Build.Date = buildDate
	timetrace.Build.Githash = githash
	timetrace.Build.Summary = fmt.Sprintf("Timetrace version %s (git commit %s of %s)",
		timetrace.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		timetrace.Build.Host = host
	} else {
		timetrace.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("ping", false, "check the metadata database connection and quit")
	noDB := flag.Bool("nodb", false, "run without the metadata database")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is Timetrace version %s\n", timetrace.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *pingDB {
		if err := tracedb.PingServer(); err != nil {
			fmt.Printf("Database ping failed: %s\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is Timetrace version %s (git commit %s)\n",
		timetrace.Build.Version, githash)
	fmt.Print(banner)
	checkKernelBuffers()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".timetrace", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	timetrace.ProblemLogger = startLogger(problemname)
	timetrace.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	timetrace.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	defer close(abort)

	// Connect the (optional) metadata database.
	db := tracedb.DummyDBConnection()
	if !*noDB {
		session := &tracedb.SessionMessage{
			ID:        ulid.Make().String(),
			Hostname:  timetrace.Build.Host,
			Githash:   githash,
			Version:   timetrace.Build.Version,
			GoVersion: runtime.Version(),
			Start:     time.Now(),
		}
		db = tracedb.StartDBConnection(session, abort)
		if db.IsConnected() {
			fmt.Println("Connected to the metadata database.")
		} else {
			fmt.Println("No metadata database found; running without one.")
		}
	}

	// Build the synthetic streamer from stored settings.
	simCfg := timetrace.SimStreamerConfig{
		DigitalChannels: []string{"digital 0", "digital 1"},
		AnalogChannels:  []string{"analog 0"},
	}
	if err := viper.UnmarshalKey("simulator", &simCfg); err != nil {
		timetrace.ProblemLogger.Printf("could not read stored simulator settings: %s", err)
	}
	streamer, err := timetrace.NewSimStreamer(simCfg)
	if err != nil {
		panic(err)
	}

	basePath := viper.GetString("save.basepath")
	if basePath == "" {
		basePath = filepath.Join(HOME, "timetrace_data")
	}
	saver := &timetrace.DiskSaver{
		BasePath: basePath,
		WriteNpy: viper.GetBool("save.npy"),
		DB:       db,
	}

	// The queue decouples the acquisition loop from slow status subscribers.
	queue := updatequeue.New[timetrace.ClientUpdate]()
	go timetrace.RunClientUpdater(queue.Out(), timetrace.Ports.Status)

	reader := timetrace.NewTimeSeriesReader(streamer, saver, queue.In(), timetrace.ReaderConfig{
		ConvertCountsToRate: true,
	})
	timetrace.RunRPCServer(reader, streamer, queue.In(), timetrace.Ports.RPC)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close() // error handling omitted for example
	runtime.GC()    // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
