package serialterm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SerialLink is the pump's view of the remote device connection. Read must
// return a nil chunk, not an error, when the timeout elapses with no data.
type SerialLink interface {
	Read(timeout time.Duration) ([]byte, error)
	Write(b []byte) (int, error)
}

// ConsoleIO is the pump's view of the local terminal.
type ConsoleIO interface {
	ReadKey(timeout time.Duration) ([]byte, error)
	Write(b []byte) (int, error)
}

// PumpState tracks the pump lifecycle: Idle until Run, Running while both
// directional loops move bytes, Stopping once shutdown is signaled, Stopped
// after both loops have joined and resources are released.
type PumpState int32

const (
	PumpIdle PumpState = iota
	PumpRunning
	PumpStopping
	PumpStopped
)

func (s PumpState) String() string {
	switch s {
	case PumpIdle:
		return "idle"
	case PumpRunning:
		return "running"
	case PumpStopping:
		return "stopping"
	case PumpStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Default control bytes and poll interval. Ctrl+] is the conventional
// miniterm exit key; Ctrl+R rewrites the screen.
var DefaultExitSequence = []byte{0x1d}

const (
	DefaultResetChar    = 0x12
	DefaultPollTimeout  = 100 * time.Millisecond
	screenResetSequence = "\x1bc"
)

// PumpConfig assembles a Pump. Nil chains mean identity, nil recorders
// disable recording, a zero ResetChar disables the screen-reset key; the
// remaining zero values select the defaults above. The same Recorder may
// back both directions; its writes are serialized internally.
type PumpConfig struct {
	RxFilters   *FilterChain // serial→console
	TxFilters   *FilterChain // console→serial
	RxRecorder  *Recorder    // taps serial→console, pre-filter
	TxRecorder  *Recorder    // taps console→serial, pre-filter
	ExitSeq     []byte
	ResetChar   byte
	PollTimeout time.Duration
	Logger      *zap.Logger
}

// Pump runs the two directional loops between a serial link and a console.
// Exactly one Pump owns a link/console pair; it is not restartable.
type Pump struct {
	link    SerialLink
	console ConsoleIO

	rxChain *FilterChain
	txChain *FilterChain
	rxRec   *Recorder
	txRec   *Recorder

	exit        *exitScanner
	resetChar   byte
	pollTimeout time.Duration
	log         *zap.Logger

	state     atomic.Int32
	shutdown  atomic.Bool
	stopOnce  sync.Once
	cause     error
	wg        sync.WaitGroup
	consoleMu sync.Mutex
}

// NewPump builds a Pump over an opened link and console.
func NewPump(link SerialLink, console ConsoleIO, cfg PumpConfig) *Pump {
	if cfg.RxFilters == nil {
		cfg.RxFilters = &FilterChain{}
	}
	if cfg.TxFilters == nil {
		cfg.TxFilters = &FilterChain{}
	}
	if len(cfg.ExitSeq) == 0 {
		cfg.ExitSeq = DefaultExitSequence
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pump{
		link:        link,
		console:     console,
		rxChain:     cfg.RxFilters,
		txChain:     cfg.TxFilters,
		rxRec:       cfg.RxRecorder,
		txRec:       cfg.TxRecorder,
		exit:        newExitScanner(cfg.ExitSeq),
		resetChar:   cfg.ResetChar,
		pollTimeout: cfg.PollTimeout,
		log:         cfg.Logger,
	}
}

// State returns the current pump state.
func (p *Pump) State() PumpState {
	return PumpState(p.state.Load())
}

// Run starts both directional loops and blocks until the session ends. It
// returns nil after a user-initiated exit (exit key or Stop) and the
// terminal error after a link or console failure. Recorders are flushed and
// closed before Run returns, whatever the cause.
func (p *Pump) Run() error {
	p.state.Store(int32(PumpRunning))
	p.log.Info("pump running")
	p.wg.Add(2)
	go p.serialToConsole()
	go p.consoleToSerial()
	p.wg.Wait()

	if p.rxRec != nil {
		if err := p.rxRec.Close(); err != nil {
			p.log.Warn("recorder close failed", zap.Error(err))
		}
	}
	if p.txRec != nil && p.txRec != p.rxRec {
		if err := p.txRec.Close(); err != nil {
			p.log.Warn("recorder close failed", zap.Error(err))
		}
	}

	p.state.Store(int32(PumpStopped))
	if p.cause != nil {
		p.log.Info("pump stopped", zap.Error(p.cause))
	} else {
		p.log.Info("pump stopped")
	}
	return p.cause
}

// Stop requests a cooperative shutdown, as the exit key would. Both loops
// notice within one poll interval. Safe to call from any goroutine, any
// number of times; only the first stop cause is kept.
func (p *Pump) Stop() {
	p.signalStop(nil)
}

func (p *Pump) signalStop(cause error) {
	p.stopOnce.Do(func() {
		p.cause = cause
		p.state.Store(int32(PumpStopping))
		p.shutdown.Store(true)
	})
}

// writeConsole serializes all display output. Both loops write to the
// console (display chunks from one, the screen-reset sequence and flushes
// from the other), so a shared lock keeps chunks from interleaving.
func (p *Pump) writeConsole(b []byte) error {
	p.consoleMu.Lock()
	defer p.consoleMu.Unlock()
	_, err := p.console.Write(b)
	return err
}

// serialToConsole pulls chunks from the link, tees them to the recorder,
// runs the display filters and writes the result to the console. A link
// error is terminal for the whole session.
func (p *Pump) serialToConsole() {
	defer p.wg.Done()
	// Flush what the display filters still hold, on every exit path.
	// Best-effort: the console may already be unusable on the error path.
	defer func() {
		if tail := p.rxChain.Close(); len(tail) > 0 {
			p.writeConsole(tail)
		}
	}()
	for !p.shutdown.Load() {
		chunk, err := p.link.Read(p.pollTimeout)
		if err != nil {
			if !errors.Is(err, ErrLinkClosed) {
				p.log.Error("serial link failed", zap.Error(err))
				p.signalStop(errors.Wrap(err, "serial link"))
			} else {
				p.signalStop(nil)
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if p.rxRec != nil {
			p.rxRec.Record(chunk)
		}
		out := p.rxChain.Apply(chunk)
		if len(out) == 0 {
			continue
		}
		if err := p.writeConsole(out); err != nil {
			p.log.Error("console write failed", zap.Error(err))
			p.signalStop(errors.Wrap(err, "console"))
			return
		}
	}
}

// consoleToSerial pulls keystrokes, strips control keys (exit, screen
// reset), tees the remaining payload to the recorder, runs the send filters
// and writes the result to the link. The exit key is a control signal, never
// payload, so it is matched on the raw bytes before any filtering.
func (p *Pump) consoleToSerial() {
	defer p.wg.Done()
	// Flush on every exit path: first any bytes the exit scanner withheld
	// as a partial match, then whatever the send filters still hold. Held
	// scanner bytes are payload after all, so they take the normal
	// record-then-filter route.
	defer func() {
		var tail []byte
		if held := p.exit.flush(); len(held) > 0 {
			if p.txRec != nil {
				p.txRec.Record(held)
			}
			tail = p.txChain.Apply(held)
		}
		tail = append(tail, p.txChain.Close()...)
		if len(tail) > 0 {
			p.link.Write(tail)
		}
	}()
	for !p.shutdown.Load() {
		chunk, err := p.console.ReadKey(p.pollTimeout)
		if err != nil {
			if !errors.Is(err, ErrConsoleClosed) {
				p.log.Error("console read failed", zap.Error(err))
				p.signalStop(errors.Wrap(err, "console"))
			} else {
				p.signalStop(nil)
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		payload, exit := p.exit.scan(chunk)
		payload = p.handleResetChar(payload)
		if len(payload) > 0 {
			if p.txRec != nil {
				p.txRec.Record(payload)
			}
			out := p.txChain.Apply(payload)
			if len(out) > 0 {
				if _, werr := p.link.Write(out); werr != nil {
					p.log.Error("serial link failed", zap.Error(werr))
					p.signalStop(errors.Wrap(werr, "serial link"))
					return
				}
			}
		}
		if exit {
			p.log.Info("exit key received")
			p.signalStop(nil)
			return
		}
	}
}

// handleResetChar consumes the screen-reset key from the payload, issuing a
// full terminal reset for each occurrence. Disabled when the char is zero.
func (p *Pump) handleResetChar(payload []byte) []byte {
	if p.resetChar == 0 {
		return payload
	}
	out := payload[:0:len(payload)]
	reset := false
	for _, b := range payload {
		if b == p.resetChar {
			reset = true
			continue
		}
		out = append(out, b)
	}
	if reset {
		p.writeConsole([]byte(screenResetSequence))
	}
	return out
}

// exitScanner detects the exit key sequence in a byte stream that arrives in
// arbitrary chunks. It is a streaming KMP matcher: a partial match at the
// end of one chunk is withheld and resolved by the next, so the sequence is
// found even when a read boundary splits it. Withheld bytes that turn out
// not to be part of the sequence are re-emitted in order.
type exitScanner struct {
	seq  []byte
	fail []int
	held int
}

func newExitScanner(seq []byte) *exitScanner {
	fail := make([]int, len(seq))
	for i := 1; i < len(seq); i++ {
		k := fail[i-1]
		for k > 0 && seq[i] != seq[k] {
			k = fail[k-1]
		}
		if seq[i] == seq[k] {
			k++
		}
		fail[i] = k
	}
	return &exitScanner{seq: seq, fail: fail}
}

// scan returns the payload bytes of chunk with any match of the sequence
// removed, and whether the sequence completed. Bytes after a completed match
// are discarded: the session is over.
// flush returns the bytes currently withheld as a partial match and resets
// the scanner. Called at shutdown so a dangling prefix is forwarded instead
// of silently dropped.
func (s *exitScanner) flush() []byte {
	held := s.seq[:s.held]
	s.held = 0
	return held
}

func (s *exitScanner) scan(chunk []byte) ([]byte, bool) {
	var out []byte
	for _, b := range chunk {
		for s.held > 0 && b != s.seq[s.held] {
			k := s.fail[s.held-1]
			out = append(out, s.seq[:s.held-k]...)
			s.held = k
		}
		if b == s.seq[s.held] {
			s.held++
			if s.held == len(s.seq) {
				s.held = 0
				return out, true
			}
		} else {
			out = append(out, b)
		}
	}
	return out, false
}
