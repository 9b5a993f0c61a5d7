package storage

import "lmodingest/internal/schema"

type flatKey struct {
	timeNanos int64
	host      string
	user      string
	module    string
}

// DedupeByKey collapses records that share a natural key within one batch,
// so a log line duplicated in its file upserts like a re-ingested file
// instead of colliding with itself inside a single statement. Overwrite
// keeps the last occurrence, ignore keeps the first, matching what a
// row-at-a-time upsert of the same batch would leave behind. Order of the
// surviving records is preserved.
func DedupeByKey(recs []schema.Usage, policy Policy) []schema.Usage {
	if len(recs) < 2 {
		return recs
	}
	seen := make(map[flatKey]int, len(recs))
	out := make([]schema.Usage, 0, len(recs))
	for _, rec := range recs {
		k := flatKey{rec.Time.UnixNano(), rec.Host, rec.User, rec.Module}
		if i, ok := seen[k]; ok {
			if policy == PolicyOverwrite {
				out[i] = rec
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, rec)
	}
	return out
}
