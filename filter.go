package serialterm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/muesli/termenv"
)

// Filter transforms one direction of the byte stream, one chunk at a time.
// Transform is called synchronously from the owning pump loop and must never
// block on I/O. A filter may hold partial state across chunks (a split CRLF
// pair, for example) but must eventually emit every input byte exactly once,
// in order. Close flushes any held state and returns the final bytes, which
// may be empty.
//
// Filters do not return errors: malformed input must degrade to passthrough,
// never abort the session.
type Filter interface {
	Transform(chunk []byte) []byte
	Close() []byte
}

// filterFactory builds one registry entry. Stateless filters may appear more
// than once in a chain; stateful ones may not.
type filterFactory struct {
	build     func() Filter
	stateless bool
	usage     string
}

var filterRegistry = map[string]filterFactory{
	"raw": {
		build:     func() Filter { return rawFilter{} },
		stateless: true,
		usage:     "no transformation",
	},
	"direct": {
		build:     func() Filter { return directFilter{} },
		stateless: true,
		usage:     "hex-escape non-printable bytes",
	},
	"colorize": {
		build:     func() Filter { return newColorizeFilter() },
		stateless: true,
		usage:     "highlight control bytes with ANSI colors",
	},
	"eol-normalize": {
		build:     func() Filter { return &eolNormalizeFilter{} },
		stateless: false,
		usage:     "rewrite CR and CRLF line endings to LF",
	},
}

// FilterNames returns the recognized filter names in sorted order.
func FilterNames() []string {
	names := make([]string, 0, len(filterRegistry))
	for name := range filterRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterChain is an ordered composition of filters applied in sequence. The
// zero-length chain is the identity transform. A chain belongs to exactly
// one pump direction and must not be shared.
type FilterChain struct {
	filters []Filter
}

// NewFilterChain builds a chain from filter names, applied left to right.
// Unknown names and duplicated stateful filters are configuration errors.
func NewFilterChain(names ...string) (*FilterChain, error) {
	chain := &FilterChain{}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		factory, ok := filterRegistry[name]
		if !ok {
			return nil, configErrorf("unknown filter %q (recognized: %s)",
				name, strings.Join(FilterNames(), ", "))
		}
		if !factory.stateless && seen[name] {
			return nil, configErrorf("filter %q is stateful and may be given only once", name)
		}
		seen[name] = true
		chain.filters = append(chain.filters, factory.build())
	}
	return chain, nil
}

// Len returns the number of filters in the chain.
func (c *FilterChain) Len() int { return len(c.filters) }

// Apply folds the chunk through every filter in order.
func (c *FilterChain) Apply(chunk []byte) []byte {
	for _, f := range c.filters {
		chunk = safeTransform(f, chunk)
	}
	return chunk
}

// Close flushes each filter in order, routing every flushed tail through the
// remaining downstream filters so the composed output stays consistent.
func (c *FilterChain) Close() []byte {
	var out []byte
	for i, f := range c.filters {
		tail := f.Close()
		for _, g := range c.filters[i+1:] {
			tail = safeTransform(g, tail)
		}
		out = append(out, tail...)
	}
	return out
}

// safeTransform runs one transform and degrades to passthrough if the filter
// panics. A corrupted display is recoverable; a dead session is not.
func safeTransform(f Filter, chunk []byte) (out []byte) {
	defer func() {
		if recover() != nil {
			out = chunk
		}
	}()
	return f.Transform(chunk)
}

// rawFilter forwards all bytes unchanged.
type rawFilter struct{}

func (rawFilter) Transform(chunk []byte) []byte { return chunk }
func (rawFilter) Close() []byte                 { return nil }

// directFilter escapes non-printable bytes as \xNN so control traffic from
// the device is visible instead of being interpreted by the terminal.
// CR, LF and TAB pass through so line structure is preserved.
type directFilter struct{}

func (directFilter) Transform(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		switch {
		case b == '\r' || b == '\n' || b == '\t':
			out = append(out, b)
		case b >= 0x20 && b < 0x7f:
			out = append(out, b)
		default:
			out = append(out, fmt.Sprintf("\\x%02x", b)...)
		}
	}
	return out
}

func (directFilter) Close() []byte { return nil }

// colorizeFilter renders control bytes (other than CR, LF and TAB) in caret
// notation wrapped in red, leaving printable runs untouched. The profile is
// pinned to plain ANSI so output does not depend on the host terminal.
type colorizeFilter struct {
	profile termenv.Profile
}

func newColorizeFilter() colorizeFilter {
	return colorizeFilter{profile: termenv.ANSI}
}

func (f colorizeFilter) Transform(chunk []byte) []byte {
	var out []byte
	start := 0
	flush := func(end int) {
		out = append(out, chunk[start:end]...)
	}
	for i, b := range chunk {
		if b == '\r' || b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			continue
		}
		flush(i)
		start = i + 1
		styled := termenv.String(caretNotation(b)).
			Foreground(f.profile.Color("1")).
			String()
		out = append(out, styled...)
	}
	if start == 0 {
		return chunk
	}
	flush(len(chunk))
	return out
}

func (colorizeFilter) Close() []byte { return nil }

func caretNotation(b byte) string {
	switch {
	case b < 0x20:
		return string([]byte{'^', '@' + b})
	case b == 0x7f:
		return "^?"
	default:
		return fmt.Sprintf("\\x%02x", b)
	}
}

// eolNormalizeFilter rewrites CR and CRLF to LF. A chunk ending in CR is
// ambiguous until the next byte arrives, so the CR is held across calls and
// resolved on the next chunk or at flush.
type eolNormalizeFilter struct {
	pendingCR bool
}

func (f *eolNormalizeFilter) Transform(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		if f.pendingCR {
			f.pendingCR = false
			out = append(out, '\n')
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			f.pendingCR = true
			continue
		}
		out = append(out, b)
	}
	return out
}

func (f *eolNormalizeFilter) Close() []byte {
	if f.pendingCR {
		f.pendingCR = false
		return []byte{'\n'}
	}
	return nil
}

// eolSendFilter maps Enter keystrokes on the console side to the line ending
// the device expects. In raw mode Enter arrives as CR; pasted text may carry
// LF or split CRLF pairs, so the pair is collapsed across chunk boundaries.
// Built from the --eol option, not reachable through the filter registry.
type eolSendFilter struct {
	seq       []byte
	pendingCR bool
}

func newEOLSendFilter(seq []byte) *eolSendFilter {
	return &eolSendFilter{seq: seq}
}

func (f *eolSendFilter) Transform(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk)+len(f.seq))
	for _, b := range chunk {
		switch b {
		case '\r':
			f.pendingCR = true
			out = append(out, f.seq...)
		case '\n':
			if f.pendingCR {
				f.pendingCR = false
				continue
			}
			out = append(out, f.seq...)
		default:
			f.pendingCR = false
			out = append(out, b)
		}
	}
	return out
}

func (f *eolSendFilter) Close() []byte {
	f.pendingCR = false
	return nil
}
