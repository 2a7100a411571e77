// Package serialterm provides a minimal, Linux-only interactive serial
// terminal: a bidirectional pump between the local console and a remote
// device behind a serial port.
//
// The package is built around four small pieces:
//
//   - Port: raw syscall-based serial I/O with poll-bounded reads, so every
//     read can be interrupted for shutdown within one poll interval
//   - Console: raw-mode keyboard input and passthrough display output
//   - FilterChain: ordered, per-direction byte-stream transforms selected
//     by name (raw, direct, colorize, eol-normalize)
//   - Recorder: a tee that appends the raw received bytes to a file without
//     touching the live stream
//
// The Pump ties them together: two goroutines move bytes serial→console and
// console→serial, a set-once shutdown flag coordinates cooperative exit, and
// the configured exit character (default Ctrl+]) ends the session cleanly.
//
// Features:
//   - Raw termios serial I/O on Linux, no buffering delays
//   - Poll-based reads with a self-pipe, safe to close from any goroutine
//   - Exit-key detection that survives chunk-boundary splits
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	port, err := serialterm.OpenPort(serialterm.LinkConfig{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	console, err := serialterm.OpenConsole()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer console.Close()
//
//	rx, _ := serialterm.NewFilterChain("colorize")
//	pump := serialterm.NewPump(port, console, serialterm.PumpConfig{
//	    RxFilters: rx,
//	})
//	if err := pump.Run(); err != nil {
//	    log.Fatal(err)
//	}
package serialterm
