package serialterm

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LinkState describes the health of a serial link. Transitions are driven by
// I/O outcomes only: a read or write failure moves Connected to
// Disconnected, an explicit Close moves any state to Closing.
type LinkState int32

const (
	StateConnected LinkState = iota
	StateDisconnected
	StateClosing
)

func (s LinkState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// LinkConfig holds configuration parameters for opening a serial port.
type LinkConfig struct {
	Device   string
	BaudRate int
}

// Port provides low-latency, killable access to a Linux serial port. Reads
// are bounded by a poll timeout so a pump loop can check for shutdown
// between chunks without blocking indefinitely.
type Port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    LinkConfig
	state     atomic.Int32
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// OpenPort opens a serial port using the provided LinkConfig. The port is
// configured for raw, low-latency, non-buffered operation. An unsupported
// baud rate is a configuration error, caught before the device is touched.
func OpenPort(cfg LinkConfig) (*Port, error) {
	baud, ok := baudRates[cfg.BaudRate]
	if !ok {
		return nil, configErrorf("unsupported baud rate %d (supported: %s)",
			cfg.BaudRate, supportedBaudList())
	}
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Device)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, errors.Wrap(err, "get termios")
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	// Baud rate
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// Set VMIN=1, VTIME=0 for immediate, non-blocking reads
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, errors.Wrap(err, "set termios")
	}

	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, errors.Wrap(err, "pipe")
	}

	file := os.NewFile(uintptr(fd), cfg.Device)
	p := &Port{
		fd:     fd,
		file:   file,
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}
	p.state.Store(int32(StateConnected))
	return p, nil
}

// State returns the current link state.
func (p *Port) State() LinkState {
	return LinkState(p.state.Load())
}

// Read waits up to timeout for bytes from the port. It returns a nil chunk
// when the timeout elapses with no data, which lets the caller poll for
// shutdown. A hard I/O error marks the link Disconnected; Close from
// another goroutine unblocks a pending Read with ErrLinkClosed.
func (p *Port) Read(timeout time.Duration) ([]byte, error) {
	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		p.state.Store(int32(StateDisconnected))
		return nil, errors.Wrap(err, "poll serial port")
	}
	if n == 0 {
		return nil, nil
	}
	select {
	case <-p.done:
		return nil, ErrLinkClosed
	default:
	}
	if pfd[1].Revents&unix.POLLIN != 0 {
		// Drain pipe
		var b [1]byte
		unix.Read(p.pipeR, b[:])
		return nil, ErrLinkClosed
	}
	if pfd[0].Revents&unix.POLLIN != 0 {
		buf := make([]byte, 4096)
		nr, err := p.file.Read(buf)
		if err != nil {
			p.state.Store(int32(StateDisconnected))
			return nil, errors.Wrap(err, "read serial port")
		}
		return buf[:nr], nil
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		p.state.Store(int32(StateDisconnected))
		return nil, errors.New("serial port hangup")
	}
	return nil, nil
}

// Write writes the chunk to the serial port.
func (p *Port) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	if err != nil {
		p.state.Store(int32(StateDisconnected))
		return n, errors.Wrap(err, "write serial port")
	}
	return n, nil
}

// SetDTR raises or drops the DTR modem line.
func (p *Port) SetDTR(on bool) error {
	return p.setModemLine(unix.TIOCM_DTR, on)
}

// SetRTS raises or drops the RTS modem line.
func (p *Port) SetRTS(on bool) error {
	return p.setModemLine(unix.TIOCM_RTS, on)
}

func (p *Port) setModemLine(line int, on bool) error {
	req := uint(unix.TIOCMBIC)
	if on {
		req = unix.TIOCMBIS
	}
	if err := unix.IoctlSetPointerInt(p.fd, req, line); err != nil {
		return errors.Wrap(err, "set modem line")
	}
	return nil
}

// Close closes the serial port and unblocks any pending Read.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosing))
		close(p.done)
		// Wake up poll using self-pipe
		if p.pipeW > 0 {
			unix.Write(p.pipeW, []byte{1})
		}
		if p.file != nil {
			err = p.file.Close()
		}
		if p.pipeR > 0 {
			unix.Close(p.pipeR)
		}
		if p.pipeW > 0 {
			unix.Close(p.pipeW)
		}
	})
	return err
}

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// SupportedBaudRate reports whether the port can be opened at baud.
func SupportedBaudRate(baud int) bool {
	_, ok := baudRates[baud]
	return ok
}

func supportedBaudList() string {
	rates := make([]int, 0, len(baudRates))
	for r := range baudRates {
		rates = append(rates, r)
	}
	sort.Ints(rates)
	parts := make([]string, len(rates))
	for i, r := range rates {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ", ")
}
