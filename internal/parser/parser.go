// Package parser turns raw module-usage tracking log lines into structured
// records. The source format is semi-structured syslog output where the five
// interesting fields always occupy fixed token positions once the line is
// split on whitespace and '=':
//
//	Apr 1 03:20:34 gpu-n53 ModuleUsageTracking: user=user1 module=gcc/8.2.0 path=... host=... time=1682407234.086799
//
// Splitting such a line puts the key tokens ("user", "module", ...) at the
// odd offsets 5, 7, 9, 11, 13 and their values at 6, 8, 10, 12, 14. The
// parser selects the value offsets directly, so surrounding boilerplate
// never has to be understood.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// Record is the structured result of parsing one log line. Time is the raw
// fractional UNIX timestamp; conversion to a wall-clock value happens during
// normalization.
type Record struct {
	User   string
	Module string
	Path   string
	Host   string
	Time   float64
}

// fieldPositions are the 0-indexed token offsets of user, module, path,
// host and time after splitting on whitespace and '='.
var fieldPositions = [5]int{6, 8, 10, 12, 14}

// minTokens is the token count required for a line to be parseable.
const minTokens = 15

// LineError describes a parse failure for a single line, retaining enough
// context (line number and content) to diagnose the input.
type LineError struct {
	Line    int
	Content string
	Reason  string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Content)
}

// splitTokens splits a line on runs of whitespace, additionally treating
// each '=' as a field delimiter so "user=admin123" contributes two tokens.
func splitTokens(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return unicode.IsSpace(r) || r == '='
	})
}

// ParseLine extracts one Record from a raw log line. It fails when the line
// has fewer tokens than the highest field position requires or when the time
// token is not numeric. Splitting never yields empty tokens, so a selected
// field is always non-empty.
func ParseLine(line string) (Record, error) {
	tokens := splitTokens(line)
	if len(tokens) < minTokens {
		return Record{}, fmt.Errorf("expected at least %d fields, got %d", minTokens, len(tokens))
	}

	ts, err := strconv.ParseFloat(tokens[fieldPositions[4]], 64)
	if err != nil {
		return Record{}, fmt.Errorf("timestamp %q is not numeric", tokens[fieldPositions[4]])
	}

	return Record{
		User:   tokens[fieldPositions[0]],
		Module: tokens[fieldPositions[1]],
		Path:   tokens[fieldPositions[2]],
		Host:   tokens[fieldPositions[3]],
		Time:   ts,
	}, nil
}

// maxLineBytes caps how much of a single line is buffered. A line past the
// cap is a malformed line like any other, not a reason to abort the batch.
const maxLineBytes = 1024 * 1024

// ParseReader reads r line by line and parses each line into a Record.
//
// In the default (non-strict) mode, malformed lines are skipped and counted;
// the batch continues. In strict mode the first malformed line aborts the
// scan with a *LineError. The returned skipped count reflects lines dropped
// in non-strict mode. Oversized lines (past maxLineBytes) count as
// malformed.
func ParseReader(r io.Reader, strict bool) (recs []Record, skipped int, err error) {
	br := bufio.NewReaderSize(r, 64*1024)

	lineNo := 0
	for {
		line, tooLong, rerr := readLine(br)
		if rerr != nil && rerr != io.EOF {
			return nil, skipped, fmt.Errorf("read input: %w", rerr)
		}
		atEOF := rerr == io.EOF
		if atEOF && !tooLong && line == "" {
			break
		}
		lineNo++

		switch {
		case tooLong:
			if strict {
				return nil, 0, &LineError{Line: lineNo, Content: "", Reason: fmt.Sprintf("line exceeds %d bytes", maxLineBytes)}
			}
			skipped++
		case strings.TrimSpace(line) == "":
			// blank line
		default:
			rec, perr := ParseLine(line)
			if perr != nil {
				if strict {
					return nil, 0, &LineError{Line: lineNo, Content: line, Reason: perr.Error()}
				}
				skipped++
				break
			}
			recs = append(recs, rec)
		}

		if atEOF {
			break
		}
	}
	return recs, skipped, nil
}

// readLine reads one line from br, without the trailing newline. When the
// line exceeds maxLineBytes the remainder is discarded and tooLong is set;
// the caller treats the line as malformed. err is io.EOF on the last line.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var buf []byte
	for {
		frag, rerr := br.ReadSlice('\n')
		if rerr != nil && rerr != bufio.ErrBufferFull {
			if rerr == io.EOF {
				buf = append(buf, frag...)
				return trimLine(buf), false, io.EOF
			}
			return "", false, rerr
		}
		buf = append(buf, frag...)
		if rerr == nil {
			return trimLine(buf), false, nil
		}
		if len(buf) > maxLineBytes {
			return "", true, discardLine(br)
		}
	}
}

// discardLine consumes the rest of the current oversized line.
func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}

func trimLine(buf []byte) string {
	s := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(s, "\r")
}
