package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []TextOption
		fail     bool
	}{
		{name: "identical", actual: "a\nb", expected: "a\nb"},
		{name: "trailing whitespace ignored", actual: "a  \nb\t", expected: "a\nb"},
		{name: "surrounding blank lines trimmed", actual: "\n\na\nb\n", expected: "a\nb"},
		{name: "ansi stripped", actual: "\x1b[32m180d\x1b[0m Heart Rate", expected: "180d Heart Rate"},
		{name: "empty lines kept by default", actual: "a\n\nb", expected: "a\nb", fail: true},
		{name: "empty lines ignored", actual: "a\n\nb", expected: "a\nb", opts: []TextOption{WithIgnoreEmptyLines(true)}},
		{name: "different content", actual: "a\nc", expected: "a\nb", fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			NewTextAsserter(rt, tt.opts...).Assert(tt.actual, tt.expected)
			if tt.fail {
				assert.Len(t, rt.failures, 1)
				assert.Contains(t, rt.failures[0], "unified diff")
			} else {
				assert.Empty(t, rt.failures)
			}
		})
	}
}

func TestTextAsserter_ColoredDiff(t *testing.T) {
	ta := NewTextAsserter(t, WithEnableColors(true))
	diff := ta.Diff("a b", "a c")
	assert.Contains(t, diff, "\x1b[")
	assert.Contains(t, diff, "a·b")
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "bold red", StripANSI("\x1b[1;31mbold red\x1b[0m"))
	assert.Equal(t, "\x1b[Xkeep", StripANSI("\x1b[Xkeep"))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []Option
		fail     bool
	}{
		{name: "equal objects", actual: `{"a":1,"b":[1,2]}`, expected: `{"b":[1,2],"a":1}`},
		{name: "extra keys ignored", actual: `{"a":1,"extra":true}`, expected: `{"a":1}`},
		{name: "extra keys reported", actual: `{"a":1,"extra":true}`, expected: `{"a":1}`, opts: []Option{WithIgnoreExtraKeys(false)}, fail: true},
		{name: "presence placeholder", actual: `{"at":"2026-01-01T00:00:00Z","v":1}`, expected: `{"at":"<<PRESENCE>>","v":1}`},
		{name: "missing key with placeholder", actual: `{"v":1}`, expected: `{"at":"<<PRESENCE>>","v":1}`, fail: true},
		{name: "root arrays", actual: `[{"uuid":"180d"},{"uuid":"1819"}]`, expected: `[{"uuid":"180d"},{"uuid":"1819"}]`},
		{name: "value mismatch", actual: `{"bpm":71}`, expected: `{"bpm":72}`, fail: true},
		{name: "invalid actual", actual: `{`, expected: `{}`, fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			NewJSONAsserter(rt, tt.opts...).Assert(tt.actual, tt.expected)
			if tt.fail {
				assert.Len(t, rt.failures, 1)
			} else {
				assert.Empty(t, rt.failures)
			}
		})
	}
}
