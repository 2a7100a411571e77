package serialterm

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console provides raw byte-level access to the local terminal: unbuffered
// keystroke reads with a bounded poll timeout, and passthrough writes to the
// display. When the input is a real terminal it is switched to raw mode on
// open and restored on Close.
type Console struct {
	in        *os.File
	out       *os.File
	inFd      int
	oldState  *term.State
	done      chan struct{}
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// OpenConsole opens the process stdin/stdout as a Console.
func OpenConsole() (*Console, error) {
	return NewConsole(os.Stdin, os.Stdout)
}

// NewConsole wraps an input/output file pair. Raw mode is applied only when
// in is a terminal, so pipes and pty slaves work unchanged in tests.
func NewConsole(in, out *os.File) (*Console, error) {
	inFd := int(in.Fd())
	var oldState *term.State
	if term.IsTerminal(inFd) {
		var err error
		oldState, err = term.MakeRaw(inFd)
		if err != nil {
			return nil, errors.Wrap(err, "set terminal raw mode")
		}
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		if oldState != nil {
			term.Restore(inFd, oldState)
		}
		return nil, errors.Wrap(err, "pipe")
	}

	return &Console{
		in:       in,
		out:      out,
		inFd:     inFd,
		oldState: oldState,
		done:     make(chan struct{}),
		pipeR:    pipeFds[0],
		pipeW:    pipeFds[1],
	}, nil
}

// ReadKey waits up to timeout for keyboard input. A nil chunk means the
// timeout elapsed with no keystrokes; Close from another goroutine unblocks
// a pending ReadKey with ErrConsoleClosed.
func (c *Console) ReadKey(timeout time.Duration) ([]byte, error) {
	pfd := []unix.PollFd{
		{Fd: int32(c.inFd), Events: unix.POLLIN},
		{Fd: int32(c.pipeR), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "poll console")
	}
	if n == 0 {
		return nil, nil
	}
	select {
	case <-c.done:
		return nil, ErrConsoleClosed
	default:
	}
	if pfd[1].Revents&unix.POLLIN != 0 {
		// Drain pipe
		var b [1]byte
		unix.Read(c.pipeR, b[:])
		return nil, ErrConsoleClosed
	}
	if pfd[0].Revents&unix.POLLIN != 0 {
		buf := make([]byte, 512)
		nr, err := c.in.Read(buf)
		if err != nil {
			return nil, errors.Wrap(err, "read console")
		}
		return buf[:nr], nil
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return nil, errors.New("console hangup")
	}
	return nil, nil
}

// Write writes display bytes to the console output.
func (c *Console) Write(b []byte) (int, error) {
	n, err := c.out.Write(b)
	if err != nil {
		return n, errors.Wrap(err, "write console")
	}
	return n, nil
}

// Close restores the terminal state and unblocks any pending ReadKey. The
// underlying files are not closed; the console does not own stdin/stdout.
// Safe to call multiple times.
func (c *Console) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// Wake up poll using self-pipe
		if c.pipeW > 0 {
			unix.Write(c.pipeW, []byte{1})
		}
		if c.oldState != nil {
			err = term.Restore(c.inFd, c.oldState)
		}
		if c.pipeR > 0 {
			unix.Close(c.pipeR)
		}
		if c.pipeW > 0 {
			unix.Close(c.pipeW)
		}
	})
	return err
}
