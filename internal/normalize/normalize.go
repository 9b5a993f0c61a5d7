// Package normalize derives the secondary fields of parsed module-usage
// records and prepares a whole batch for ingestion.
package normalize

import (
	"errors"
	"math"
	"strings"
	"time"

	"lmodingest/internal/parser"
	"lmodingest/internal/schema"
)

// ErrEmptyInput reports a batch that produced zero usable records. An empty
// or fully-malformed log file is surfaced as an error rather than a silent
// zero-row ingest so operators can tell "log rotated to empty" apart from
// "nothing happened".
var ErrEmptyInput = errors.New("no parseable records in input")

// Timestamp converts fractional UNIX seconds to a UTC wall-clock value,
// rounded to microsecond precision. Sub-second precision is preserved so
// module loads within the same second keep distinct natural keys.
func Timestamp(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	micros := math.Round(frac * 1e6)
	return time.Unix(int64(whole), int64(micros)*1000).UTC()
}

// SplitModule splits a raw module token on the first '/' into a package
// name and an optional version. A token without '/' has no version.
func SplitModule(module string) (pkg string, version *string) {
	if i := strings.Index(module, "/"); i >= 0 {
		v := module[i+1:]
		return module[:i], &v
	}
	return module, nil
}

// Batch normalizes a full batch of parsed records from one log file.
//
// Every record is tagged with source (the resolved input path) so repeated
// ingestion of the same file stays attributable. Records whose user field is
// empty are dropped; they are boilerplate lines that matched positionally
// but are not real usage events. Input order is preserved.
//
// Returns ErrEmptyInput when the batch yields no records at all.
func Batch(recs []parser.Record, source string) ([]schema.Usage, error) {
	out := make([]schema.Usage, 0, len(recs))
	for _, rec := range recs {
		if rec.User == "" {
			continue
		}
		pkg, version := SplitModule(rec.Module)
		out = append(out, schema.Usage{
			Logname: source,
			Time:    Timestamp(rec.Time),
			Host:    rec.Host,
			User:    rec.User,
			Module:  rec.Module,
			Path:    rec.Path,
			Package: pkg,
			Version: version,
		})
	}
	if len(out) == 0 {
		return nil, ErrEmptyInput
	}
	return out, nil
}
