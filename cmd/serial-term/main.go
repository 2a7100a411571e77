// serial-term is an interactive terminal for a serial device: keystrokes go
// to the device, device output goes to the screen, optionally through
// display filters and into an append-only log file.
//
// Usage:
//
//	serial-term [flags] <device>
//
// Quit with Ctrl+], reset the screen with Ctrl+R.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	serialterm "github.com/luhtfiimanal/go-serial-term"
)

// Exit codes. Distinct so supervising scripts can tell a bad invocation
// from a dead device.
const (
	exitOK         = 0
	exitConfig     = 2
	exitLink       = 3
	exitOutputFile = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	pf := pflag.NewFlagSet("serial-term", pflag.ExitOnError)
	pf.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: serial-term [flags] <device>\n\nFlags:\n%s", pf.FlagUsages())
	}
	configFile := pf.StringP("config", "c", "", "Path to a YAML session config file.")
	baudRate := pf.IntP("baudrate", "b", 0, "Serial port baud rate.")
	eol := pf.String("eol", "", "End of line sent on Enter: lf, cr or crlf.")
	filters := pf.StringArray("filter", nil,
		"Display filter applied to device output, left to right. Repeatable.\nRecognized: "+
			strings.Join(serialterm.FilterNames(), ", ")+".")
	outputFile := pf.String("output-file", "", "Append the raw received bytes to this file.")
	recordTx := pf.Bool("record-tx", false, "Also record the bytes sent to the device.")
	verbose := pf.BoolP("verbose", "v", false, "Enable debug logging.")
	pf.Parse(args)

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg := serialterm.DefaultConfig()
	if *configFile != "" {
		var err error
		cfg, err = serialterm.ConfigFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
			return exitConfig
		}
	}
	if pf.NArg() > 0 {
		cfg.Device = pf.Arg(0)
	}
	if pf.Changed("baudrate") {
		cfg.BaudRate = *baudRate
	}
	if pf.Changed("eol") {
		cfg.EOL = strings.ToLower(*eol)
	}
	if pf.Changed("filter") {
		cfg.Filters = *filters
	}
	if pf.Changed("output-file") {
		cfg.OutputFile = *outputFile
	}
	if pf.Changed("record-tx") {
		cfg.RecordTx = *recordTx
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
		return exitConfig
	}
	rxChain, txChain, err := cfg.BuildChains()
	if err != nil {
		fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
		return exitConfig
	}

	var recorder *serialterm.Recorder
	if cfg.OutputFile != "" {
		recorder, err = serialterm.OpenRecorder(cfg.OutputFile, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
			return exitOutputFile
		}
	}

	port, err := serialterm.OpenPort(serialterm.LinkConfig{
		Device:   cfg.Device,
		BaudRate: cfg.BaudRate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
		if recorder != nil {
			recorder.Close()
		}
		return exitLink
	}
	defer port.Close()

	console, err := serialterm.OpenConsole()
	if err != nil {
		fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
		if recorder != nil {
			recorder.Close()
		}
		return exitConfig
	}
	defer console.Close()

	banner(console, cfg)

	pumpCfg := serialterm.PumpConfig{
		RxFilters:   rxChain,
		TxFilters:   txChain,
		RxRecorder:  recorder,
		ExitSeq:     cfg.ExitSequence(),
		ResetChar:   serialterm.DefaultResetChar,
		PollTimeout: cfg.PollTimeout,
		Logger:      logger,
	}
	if cfg.RecordTx {
		pumpCfg.TxRecorder = recorder
	}
	pump := serialterm.NewPump(port, console, pumpCfg)

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChannel
		pump.Stop()
	}()

	err = pump.Run()
	console.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "serial-term: %v\n", err)
		return exitLink
	}
	fmt.Fprintln(os.Stderr, "serial-term: session closed")
	return exitOK
}

// banner writes the session summary before the pump starts. The console is
// already in raw mode, so lines end with CRLF.
func banner(console *serialterm.Console, cfg serialterm.Config) {
	var b strings.Builder
	fmt.Fprintf(&b, "Connected to %s (baudrate %d, eol %s)\r\n", cfg.Device, cfg.BaudRate, strings.ToUpper(cfg.EOL))
	if len(cfg.Filters) > 0 {
		fmt.Fprintf(&b, "Display filters: %s\r\n", strings.Join(cfg.Filters, ", "))
	}
	if cfg.OutputFile != "" {
		fmt.Fprintf(&b, "Recording received bytes to %s\r\n", cfg.OutputFile)
	}
	fmt.Fprintf(&b, "Quit: Ctrl+]  Reset screen: Ctrl+R\r\n")
	console.Write([]byte(b.String()))
}

// newLogger builds a console logger on stderr. Startup and shutdown aside,
// the pump only logs on failures, so raw-mode output stays clean.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
