package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-to-md/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// Filter holds compiled patterns and counts how often each one decided a
// message. It is safe for concurrent use.
type Filter struct {
	includeMode   bool
	includeHeader []rule
	includeBody   []rule
	excludeHeader []rule
	excludeBody   []rule

	mu      sync.Mutex
	hits    map[string]int
	checked int
	allowed int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns("include-header", opts.IncludeHeader)
	if err != nil {
		return nil, err
	}
	includeBody, err := compilePatterns("include-body", opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	excludeHeader, err := compilePatterns("exclude-header", opts.ExcludeHeader)
	if err != nil {
		return nil, err
	}
	excludeBody, err := compilePatterns("exclude-body", opts.ExcludeBody)
	if err != nil {
		return nil, err
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
		hits:          make(map[string]int),
	}, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	var matched string
	var allowed bool
	if f.includeMode {
		matched = firstMatch(f.includeHeader, header)
		if matched == "" {
			matched = firstMatch(f.includeBody, body)
		}
		allowed = matched != ""
	} else {
		matched = firstMatch(f.excludeHeader, header)
		if matched == "" {
			matched = firstMatch(f.excludeBody, body)
		}
		allowed = matched == ""
	}

	f.mu.Lock()
	f.checked++
	if allowed {
		f.allowed++
	}
	if matched != "" {
		f.hits[matched]++
	}
	f.mu.Unlock()

	return allowed
}

// AllowsMessage applies the filter to the raw bytes of msg.
func (f *Filter) AllowsMessage(msg model.Message) bool {
	header, body := SplitRawMessage(msg.Raw)
	return f.Allows(header, body)
}

// Stats is a snapshot of the filter's decisions.
type Stats struct {
	Checked int
	Allowed int
	// Hits counts matches per rule, keyed "<kind>: <pattern>".
	Hits map[string]int
}

func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	return Stats{Checked: f.checked, Allowed: f.allowed, Hits: hits}
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(kind string, patterns []string) ([]rule, error) {
	compiled := make([]rule, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", kind, pattern, err)
		}
		compiled = append(compiled, rule{name: kind + ": " + pattern, re: re})
	}
	return compiled, nil
}

func firstMatch(rules []rule, text []byte) string {
	for _, r := range rules {
		if r.re.Match(text) {
			return r.name
		}
	}
	return ""
}
