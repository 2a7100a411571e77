package serialterm

import "github.com/pkg/errors"

// Sentinel errors returned by Port, Console and Recorder once they have been
// closed. Compared with errors.Is by the Pump to tell an intentional close
// apart from a device failure.
var (
	ErrLinkClosed     = errors.New("serial link closed")
	ErrConsoleClosed  = errors.New("console closed")
	ErrRecorderClosed = errors.New("recorder closed")
)

// ConfigError marks a problem detected while assembling the session from
// configuration: an unknown filter name, a bad EOL mode, a missing device.
// It always fires before any I/O begins.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: errors.Errorf(format, args...).Error()}
}

// IsConfigError reports whether err originates from configuration
// validation rather than from runtime I/O.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
