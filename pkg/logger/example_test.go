package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/wfd-core/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("source started", "listen", "0.0.0.0:7236")
	log.Warn("unsupported transport requested", "transport", "RTP/AVP/TCP")
	log.Error("failed to bind RTP port", "error", "address in use")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTP)
	cfg.EnableCategory(logger.DebugTS)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugRTPPacket(12345, 90000, 33, 1472)
	log.DebugTS("emitted PAT/PMT", "pat_cc", 3, "pmt_cc", 7)
	log.DebugRTP("packet sent", "seq", 12345)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/wfd-core/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("wfdsrc", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("cmd/wfdsrc/main.go defines its own -log-* flags instead of calling RegisterFlags")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "wfd.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("wfd.json")

	log.Info("playback session created",
		"session_id", 12345,
		"transport", "UDP",
		"tracks", 2)
}
