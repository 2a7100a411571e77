package serialterm

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type ioEvent struct {
	data []byte
	err  error
}

// fakeLink is an in-memory SerialLink fed through a channel.
type fakeLink struct {
	events chan ioEvent

	mu       sync.Mutex
	wrote    bytes.Buffer
	writeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan ioEvent, 16)}
}

func (f *fakeLink) Read(timeout time.Duration) ([]byte, error) {
	select {
	case ev := <-f.events:
		return ev.data, ev.err
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeLink) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.wrote.Write(b)
}

func (f *fakeLink) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.wrote.Bytes()...)
}

// fakeConsole is the console twin of fakeLink.
type fakeConsole struct {
	events chan ioEvent

	mu    sync.Mutex
	wrote bytes.Buffer
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{events: make(chan ioEvent, 16)}
}

func (f *fakeConsole) ReadKey(timeout time.Duration) ([]byte, error) {
	select {
	case ev := <-f.events:
		return ev.data, ev.err
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeConsole) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrote.Write(b)
}

func (f *fakeConsole) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.wrote.Bytes()...)
}

// runPump starts the pump in a goroutine and returns its result channel.
func runPump(p *Pump) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func testPumpConfig() PumpConfig {
	return PumpConfig{PollTimeout: 10 * time.Millisecond}
}

func TestPump_SerialToConsolePassthrough(t *testing.T) {
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, testPumpConfig())
	done := runPump(pump)

	link.events <- ioEvent{data: []byte("OK\r\n")}
	waitFor(t, "console output", func() bool {
		return bytes.Equal(console.written(), []byte("OK\r\n"))
	})

	console.events <- ioEvent{data: DefaultExitSequence}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pump to stop")
	}
	require.Equal(t, PumpStopped, pump.State())
}

func TestPump_ConsoleToSerial(t *testing.T) {
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, testPumpConfig())
	done := runPump(pump)

	console.events <- ioEvent{data: []byte("at")}
	waitFor(t, "link write", func() bool {
		return bytes.Equal(link.written(), []byte("at"))
	})

	pump.Stop()
	require.NoError(t, <-done)
}

func TestPump_ExitKeyNotForwarded(t *testing.T) {
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, testPumpConfig())
	done := runPump(pump)

	// Payload before the exit key is still delivered.
	console.events <- ioEvent{data: append([]byte("h"), DefaultExitSequence...)}
	require.NoError(t, <-done)
	require.Equal(t, []byte("h"), link.written())
}

func TestPump_ExitSequenceSplitAcrossReads(t *testing.T) {
	cfg := testPumpConfig()
	cfg.ExitSeq = []byte{0x1b, 'q'}
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	console.events <- ioEvent{data: []byte{0x1b}}
	console.events <- ioEvent{data: []byte{'q'}}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("split exit sequence was not detected")
	}
	require.Empty(t, link.written())
}

func TestPump_ExitSequencePrefixIsForwarded(t *testing.T) {
	cfg := testPumpConfig()
	cfg.ExitSeq = []byte{0x1b, 'q'}
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	// A lone prefix must not trigger the exit, and the withheld byte must
	// reach the device once the match fails.
	console.events <- ioEvent{data: []byte{0x1b}}
	console.events <- ioEvent{data: []byte{'x'}}
	waitFor(t, "prefix bytes on the link", func() bool {
		return bytes.Equal(link.written(), []byte{0x1b, 'x'})
	})

	pump.Stop()
	require.NoError(t, <-done)
}

func TestPump_RecorderSeesPreFilterBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	rec, err := OpenRecorder(path, nil)
	require.NoError(t, err)

	rx, err := NewFilterChain("direct")
	require.NoError(t, err)

	cfg := testPumpConfig()
	cfg.RxFilters = rx
	cfg.RxRecorder = rec
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	raw := []byte{0x00, 'h', 'e'}
	link.events <- ioEvent{data: raw[:2]}
	link.events <- ioEvent{data: raw[2:]}
	waitFor(t, "filtered console output", func() bool {
		return bytes.Equal(console.written(), []byte(`\x00he`))
	})

	console.events <- ioEvent{data: DefaultExitSequence}
	require.NoError(t, <-done)

	// The log holds the wire bytes, not the display transform, with no
	// duplication or reordering across chunks.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, raw, data)
}

func TestPump_LinkErrorStopsSessionAndClosesRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	rec, err := OpenRecorder(path, nil)
	require.NoError(t, err)

	cfg := testPumpConfig()
	cfg.RxRecorder = rec
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	link.events <- ioEvent{data: []byte("partial")}
	waitFor(t, "console output", func() bool {
		return bytes.Equal(console.written(), []byte("partial"))
	})
	link.events <- ioEvent{err: errors.New("device unplugged")}

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "device unplugged")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pump to stop on link error")
	}
	require.Equal(t, PumpStopped, pump.State())

	// The recorder was flushed and closed, not truncated mid-record.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "partial", string(data))
}

func TestPump_SharedRecorderBothDirections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	rec, err := OpenRecorder(path, nil)
	require.NoError(t, err)

	cfg := testPumpConfig()
	cfg.RxRecorder = rec
	cfg.TxRecorder = rec
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	link.events <- ioEvent{data: []byte("rx")}
	waitFor(t, "console output", func() bool { return len(console.written()) == 2 })
	console.events <- ioEvent{data: []byte("tx")}
	waitFor(t, "link write", func() bool { return len(link.written()) == 2 })

	console.events <- ioEvent{data: DefaultExitSequence}
	require.NoError(t, <-done)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 4)
}

func TestPump_StopIsIdempotent(t *testing.T) {
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, testPumpConfig())
	done := runPump(pump)

	pump.Stop()
	pump.Stop()
	require.NoError(t, <-done)
	require.Equal(t, PumpStopped, pump.State())

	// Stop after the fact stays a no-op.
	pump.Stop()
	require.Equal(t, PumpStopped, pump.State())
}

func TestPump_NoWritesAfterStop(t *testing.T) {
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, testPumpConfig())
	done := runPump(pump)

	pump.Stop()
	require.NoError(t, <-done)

	// Events queued after shutdown must never reach the sinks.
	link.events <- ioEvent{data: []byte("late")}
	console.events <- ioEvent{data: []byte("late")}
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, console.written())
	require.Empty(t, link.written())
}

func TestPump_ResetCharRewritesScreen(t *testing.T) {
	cfg := testPumpConfig()
	cfg.ResetChar = DefaultResetChar
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	console.events <- ioEvent{data: []byte{'a', DefaultResetChar, 'b'}}
	waitFor(t, "screen reset", func() bool {
		return bytes.Equal(console.written(), []byte(screenResetSequence))
	})
	waitFor(t, "payload on link", func() bool {
		return bytes.Equal(link.written(), []byte("ab"))
	})

	pump.Stop()
	require.NoError(t, <-done)
}

func TestPump_EndToEndWithEOLChains(t *testing.T) {
	cfg := Config{
		Device:   "unused",
		BaudRate: 115200,
		EOL:      "crlf",
		Filters:  []string{"eol-normalize"},
	}
	rx, tx, err := cfg.BuildChains()
	require.NoError(t, err)

	pumpCfg := testPumpConfig()
	pumpCfg.RxFilters = rx
	pumpCfg.TxFilters = tx
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, pumpCfg)
	done := runPump(pump)

	// Device CRLF is normalized for display.
	link.events <- ioEvent{data: []byte("OK\r\n")}
	waitFor(t, "normalized console output", func() bool {
		return bytes.Equal(console.written(), []byte("OK\n"))
	})

	// Enter (CR in raw mode) becomes the configured CRLF on the wire.
	console.events <- ioEvent{data: []byte("at\r")}
	waitFor(t, "eol-expanded link write", func() bool {
		return bytes.Equal(link.written(), []byte("at\r\n"))
	})

	console.events <- ioEvent{data: DefaultExitSequence}
	require.NoError(t, <-done)
}

// dribbleConsole stores output one byte at a time with a pause between
// bytes, so unserialized concurrent writers would interleave mid-chunk.
type dribbleConsole struct {
	events chan ioEvent

	mu    sync.Mutex
	wrote []byte
}

func newDribbleConsole() *dribbleConsole {
	return &dribbleConsole{events: make(chan ioEvent, 16)}
}

func (c *dribbleConsole) ReadKey(timeout time.Duration) ([]byte, error) {
	select {
	case ev := <-c.events:
		return ev.data, ev.err
	case <-time.After(timeout):
		return nil, nil
	}
}

func (c *dribbleConsole) Write(b []byte) (int, error) {
	for _, x := range b {
		c.mu.Lock()
		c.wrote = append(c.wrote, x)
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return len(b), nil
}

func (c *dribbleConsole) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.wrote...)
}

// Display chunks and the screen-reset sequence come from different
// goroutines; the console writer must keep each one contiguous.
func TestPump_ConsoleWritesDoNotInterleave(t *testing.T) {
	cfg := testPumpConfig()
	cfg.ResetChar = DefaultResetChar
	link := newFakeLink()
	console := newDribbleConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	const rounds = 8
	display := []byte("AAAA")
	for i := 0; i < rounds; i++ {
		link.events <- ioEvent{data: display}
		console.events <- ioEvent{data: []byte{DefaultResetChar}}
	}
	total := rounds * (len(display) + len(screenResetSequence))
	waitFor(t, "all console output", func() bool {
		return len(console.written()) == total
	})

	pump.Stop()
	require.NoError(t, <-done)

	// The output must parse as a sequence of whole units.
	out := console.written()
	for len(out) > 0 {
		switch {
		case bytes.HasPrefix(out, display):
			out = out[len(display):]
		case bytes.HasPrefix(out, []byte(screenResetSequence)):
			out = out[len(screenResetSequence):]
		default:
			t.Fatalf("torn console write at %q", out)
		}
	}
}

// A stateful send filter must be flushed on the exit-key path: the byte it
// holds belongs on the wire, not in dropped state.
func TestPump_TxChainFlushedOnExit(t *testing.T) {
	cfg := testPumpConfig()
	cfg.TxFilters = &FilterChain{filters: []Filter{&eolNormalizeFilter{}}}
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	console.events <- ioEvent{data: []byte("x\r")}
	waitFor(t, "payload on link", func() bool {
		return bytes.Equal(link.written(), []byte("x"))
	})

	console.events <- ioEvent{data: DefaultExitSequence}
	require.NoError(t, <-done)
	// The held CR resolves to LF at shutdown.
	require.Equal(t, []byte("x\n"), link.written())
}

// The display chain is flushed even when the link error ends the session
// from inside the serial→console loop itself.
func TestPump_RxChainFlushedOnLinkError(t *testing.T) {
	cfg := testPumpConfig()
	rx, err := NewFilterChain("eol-normalize")
	require.NoError(t, err)
	cfg.RxFilters = rx
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	link.events <- ioEvent{data: []byte("ok\r")}
	waitFor(t, "console output", func() bool {
		return bytes.Equal(console.written(), []byte("ok"))
	})

	link.events <- ioEvent{err: errors.New("device unplugged")}
	require.Error(t, <-done)
	require.Equal(t, []byte("ok\n"), console.written())
}

// Bytes withheld by the exit scanner as a partial match are forwarded at
// shutdown rather than dropped.
func TestPump_WithheldExitPrefixFlushedOnStop(t *testing.T) {
	cfg := testPumpConfig()
	cfg.ExitSeq = []byte{0x1b, 'q'}
	link := newFakeLink()
	console := newFakeConsole()
	pump := NewPump(link, console, cfg)
	done := runPump(pump)

	console.events <- ioEvent{data: []byte{0x1b}}
	// Give the loop a chance to consume the prefix before stopping.
	time.Sleep(50 * time.Millisecond)
	pump.Stop()
	require.NoError(t, <-done)
	require.Equal(t, []byte{0x1b}, link.written())
}

func TestExitScanner_SingleByte(t *testing.T) {
	s := newExitScanner([]byte{0x1d})
	payload, exit := s.scan([]byte("abc"))
	require.Equal(t, []byte("abc"), payload)
	require.False(t, exit)

	payload, exit = s.scan([]byte{'x', 0x1d, 'y'})
	require.Equal(t, []byte("x"), payload)
	require.True(t, exit)
}

func TestExitScanner_OverlappingPrefix(t *testing.T) {
	// "aaab" contains "aab" across a self-overlapping prefix.
	s := newExitScanner([]byte("aab"))
	payload, exit := s.scan([]byte("aaab"))
	require.True(t, exit)
	require.Equal(t, []byte("a"), payload)
}

func TestExitScanner_AbandonedPrefixReemitted(t *testing.T) {
	s := newExitScanner([]byte("ab"))
	payload, exit := s.scan([]byte("a"))
	require.Empty(t, payload)
	require.False(t, exit)

	payload, exit = s.scan([]byte("xa"))
	require.False(t, exit)
	require.Equal(t, []byte("ax"), payload)

	payload, exit = s.scan([]byte("b"))
	require.True(t, exit)
	require.Empty(t, payload)
}
