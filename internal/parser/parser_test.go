package parser

import (
	"errors"
	"strings"
	"testing"
)

const goodLine = "Apr 23 06:20:34 login1 ModuleUsageTracking: user=alice module=gcc/8.2.0 path=/sw/modulefiles/gcc/8.2.0.lua host=login1.cluster time=1682407234.086799"

/*
TestParseLine_Good verifies that a well-formed tracking line yields every
field from its fixed token position, including the fractional timestamp.
*/
func TestParseLine_Good(t *testing.T) {
	rec, err := ParseLine(goodLine)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if rec.User != "alice" {
		t.Errorf("User = %q, want %q", rec.User, "alice")
	}
	if rec.Module != "gcc/8.2.0" {
		t.Errorf("Module = %q, want %q", rec.Module, "gcc/8.2.0")
	}
	if rec.Path != "/sw/modulefiles/gcc/8.2.0.lua" {
		t.Errorf("Path = %q, want %q", rec.Path, "/sw/modulefiles/gcc/8.2.0.lua")
	}
	if rec.Host != "login1.cluster" {
		t.Errorf("Host = %q, want %q", rec.Host, "login1.cluster")
	}
	if rec.Time != 1682407234.086799 {
		t.Errorf("Time = %v, want %v", rec.Time, 1682407234.086799)
	}
}

func TestParseLine_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"truncated", "Apr 23 06:20:34 login1 ModuleUsageTracking: user=alice"},
		{"empty", ""},
		{"bad timestamp", strings.Replace(goodLine, "1682407234.086799", "not-a-number", 1)},
		{"unrelated syslog", "Apr 23 06:20:34 login1 sshd[1234]: Accepted publickey for alice from 10.0.0.1 port 22 ssh2 rsa key fingerprint here extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseLine(tt.line); err == nil {
				t.Fatalf("ParseLine(%q) succeeded, want error", tt.line)
			}
		})
	}
}

/*
TestParseReader_SkipsMalformed verifies the default mode: malformed lines
are counted and skipped, blank lines are ignored silently, and the good
lines still come through in order.
*/
func TestParseReader_SkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		goodLine,
		"",
		"garbage line",
		strings.Replace(goodLine, "alice", "bob", 1),
	}, "\n")

	recs, skipped, err := ParseReader(strings.NewReader(input), false)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if recs[0].User != "alice" || recs[1].User != "bob" {
		t.Errorf("records out of order: %q, %q", recs[0].User, recs[1].User)
	}
}

/*
TestParseReader_Strict verifies that strict mode aborts on the first
malformed line with a LineError carrying the line number and content.
*/
func TestParseReader_Strict(t *testing.T) {
	input := goodLine + "\ngarbage line\n" + goodLine

	_, _, err := ParseReader(strings.NewReader(input), true)
	if err == nil {
		t.Fatal("ParseReader(strict) succeeded, want error")
	}
	var lerr *LineError
	if !errors.As(err, &lerr) {
		t.Fatalf("error type = %T, want *LineError", err)
	}
	if lerr.Line != 2 {
		t.Errorf("Line = %d, want 2", lerr.Line)
	}
	if lerr.Content != "garbage line" {
		t.Errorf("Content = %q, want %q", lerr.Content, "garbage line")
	}
}

/*
TestParseReader_OversizedLine verifies that a line past the buffer cap is
handled like any other malformed line: skipped and counted in default mode,
with the surrounding good lines unaffected.
*/
func TestParseReader_OversizedLine(t *testing.T) {
	huge := strings.Repeat("x", maxLineBytes+16)
	input := strings.Join([]string{
		goodLine,
		huge,
		strings.Replace(goodLine, "alice", "bob", 1),
	}, "\n")

	recs, skipped, err := ParseReader(strings.NewReader(input), false)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if recs[0].User != "alice" || recs[1].User != "bob" {
		t.Errorf("records = %q, %q", recs[0].User, recs[1].User)
	}
}

func TestParseReader_OversizedLineStrict(t *testing.T) {
	huge := strings.Repeat("x", maxLineBytes+16)
	input := goodLine + "\n" + huge + "\n" + goodLine

	_, _, err := ParseReader(strings.NewReader(input), true)
	var lerr *LineError
	if !errors.As(err, &lerr) {
		t.Fatalf("error type = %T, want *LineError", err)
	}
	if lerr.Line != 2 {
		t.Errorf("Line = %d, want 2", lerr.Line)
	}
}

// A final oversized line without a trailing newline still counts.
func TestParseReader_OversizedLastLine(t *testing.T) {
	input := goodLine + "\n" + strings.Repeat("x", maxLineBytes+16)

	recs, skipped, err := ParseReader(strings.NewReader(input), false)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(recs) != 1 || skipped != 1 {
		t.Errorf("recs = %d, skipped = %d, want 1/1", len(recs), skipped)
	}
}

// Module loads without a version keep the whole module token; the split
// into package and version happens later, during normalization.
func TestParseLine_NoVersion(t *testing.T) {
	line := strings.Replace(goodLine, "module=gcc/8.2.0", "module=settarg", 1)
	rec, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if rec.Module != "settarg" {
		t.Errorf("Module = %q, want %q", rec.Module, "settarg")
	}
}
