// Package ingest drives one log file through parse, normalize and load.
// Every run acquires its own repository connection so that multiple files
// can be ingested concurrently without sharing session state.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"lmodingest/internal/config"
	"lmodingest/internal/metrics"
	"lmodingest/internal/normalize"
	"lmodingest/internal/parser"
	"lmodingest/internal/storage"
)

// Options control how a pipeline run treats its input and destination.
type Options struct {
	Shape  string         // config.ShapeFlat or config.ShapeNormalized
	Policy storage.Policy // flat-shape collision policy
	Strict bool           // fail on the first malformed line instead of skipping
}

// Summary describes the outcome of ingesting one file.
type Summary struct {
	Source      string // absolute path of the ingested file
	Fingerprint string // xxh3 of the file contents, hex encoded
	Parsed      int
	Skipped     int
	Inserted    int64
	Elapsed     time.Duration
}

// Pipeline ingests module-load log files into a destination store. Open is
// called once per file so that every concurrent ingestion holds its own
// connection.
type Pipeline struct {
	Open func(ctx context.Context) (storage.Repository, error)
	Opts Options
}

// IngestFile parses path, normalizes the records and merges them into the
// destination. Re-running it over the same file is a no-op for rows already
// present: the natural key dedupes, so a failure mid-run is recovered by
// simply running the file again.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (Summary, error) {
	started := time.Now()

	abs, err := filepath.Abs(path)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	sum := Summary{Source: abs}

	f, err := os.Open(abs)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	// Fingerprint the bytes as they stream through the parser; the hash
	// identifies the exact input in logs across repeated runs.
	h := xxh3.New()
	tee := io.TeeReader(f, h)

	parseStart := time.Now()
	recs, skipped, err := parser.ParseReader(tee, p.Opts.Strict)
	metrics.RecordStep(abs, "parse", err, time.Since(parseStart))
	if err != nil {
		return sum, fmt.Errorf("parse %s: %w", abs, err)
	}
	digest := h.Sum128().Bytes()
	sum.Fingerprint = hex.EncodeToString(digest[:])
	sum.Parsed = len(recs)
	sum.Skipped = skipped
	metrics.RecordRow(abs, "parsed", int64(len(recs)))
	metrics.RecordRow(abs, "skipped", int64(skipped))

	batch, err := normalize.Batch(recs, abs)
	if err != nil {
		return sum, fmt.Errorf("normalize %s: %w", abs, err)
	}

	repo, err := p.Open(ctx)
	if err != nil {
		return sum, fmt.Errorf("connect: %w", err)
	}
	defer repo.Close()

	loadStart := time.Now()
	var inserted int64
	switch p.Opts.Shape {
	case config.ShapeNormalized:
		inserted, err = repo.MergeNormalized(ctx, batch)
	default:
		inserted, err = repo.UpsertFlat(ctx, batch, p.Opts.Policy)
	}
	metrics.RecordStep(abs, "load", err, time.Since(loadStart))
	if err != nil {
		return sum, fmt.Errorf("load %s: %w", abs, err)
	}
	sum.Inserted = inserted
	sum.Elapsed = time.Since(started)
	metrics.RecordRow(abs, "inserted", inserted)

	log.Printf("ingest done source=%s fingerprint=%s parsed=%d skipped=%d inserted=%d elapsed=%s",
		abs, sum.Fingerprint, sum.Parsed, sum.Skipped, sum.Inserted, sum.Elapsed.Round(time.Millisecond))
	return sum, nil
}

// IngestFiles runs IngestFile over paths with at most workers files in
// flight. The first failure cancels the remaining files; summaries of runs
// that finished are still returned in input order.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string, workers int) ([]Summary, error) {
	if workers < 1 {
		workers = 1
	}
	sums := make([]Summary, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			s, err := p.IngestFile(ctx, path)
			sums[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return sums, err
	}
	return sums, nil
}
