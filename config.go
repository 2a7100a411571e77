package serialterm

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes one terminal session. It can be loaded from a YAML file,
// filled in by CLI flags, or built directly in code.
type Config struct {
	Device      string        `yaml:"device"`
	BaudRate    int           `yaml:"baudrate"`
	EOL         string        `yaml:"eol"`     // lf, cr or crlf
	Filters     []string      `yaml:"filters"` // serial→console display filters
	OutputFile  string        `yaml:"output_file"`
	RecordTx    bool          `yaml:"record_tx"`
	ExitChar    byte          `yaml:"exit_char"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// DefaultConfig returns the conventional miniterm defaults: 115200 baud,
// Enter sends LF, exit on Ctrl+].
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		EOL:         "lf",
		ExitChar:    DefaultExitSequence[0],
		PollTimeout: DefaultPollTimeout,
	}
}

// ConfigFromFile loads a Config from a local YAML file, applied on top of
// the defaults.
func ConfigFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, configErrorf("read config file: %v", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, configErrorf("parse config file %s: %v", path, err)
	}
	return cfg, nil
}

var eolSequences = map[string][]byte{
	"lf":   {'\n'},
	"cr":   {'\r'},
	"crlf": {'\r', '\n'},
}

// Validate checks the session description before any I/O begins.
func (c *Config) Validate() error {
	if c.Device == "" {
		return configErrorf("no serial device given")
	}
	if _, ok := eolSequences[c.EOL]; !ok {
		return configErrorf("invalid EOL transformation %q (choose lf, cr or crlf)", c.EOL)
	}
	if !SupportedBaudRate(c.BaudRate) {
		return configErrorf("unsupported baud rate %d (supported: %s)",
			c.BaudRate, supportedBaudList())
	}
	if _, err := NewFilterChain(c.Filters...); err != nil {
		return err
	}
	return nil
}

// BuildChains assembles the two directional filter chains: the display
// filters for serial→console, and the EOL send transform for
// console→serial.
func (c *Config) BuildChains() (rx, tx *FilterChain, err error) {
	rx, err = NewFilterChain(c.Filters...)
	if err != nil {
		return nil, nil, err
	}
	seq, ok := eolSequences[c.EOL]
	if !ok {
		return nil, nil, configErrorf("invalid EOL transformation %q (choose lf, cr or crlf)", c.EOL)
	}
	tx = &FilterChain{filters: []Filter{newEOLSendFilter(seq)}}
	return rx, tx, nil
}

// ExitSequence returns the configured exit key as a byte sequence.
func (c *Config) ExitSequence() []byte {
	if c.ExitChar == 0 {
		return DefaultExitSequence
	}
	return []byte{c.ExitChar}
}

