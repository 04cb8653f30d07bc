package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// MatrixEntry identifies one isolated build target.
type MatrixEntry struct {
	OS   string `yaml:"os"`
	Arch string `yaml:"arch"`
}

// Root names the isolated build root for this entry.
func (e MatrixEntry) Root() string { return e.OS + "-" + e.Arch }

func (e MatrixEntry) String() string { return e.Root() }

// EntryResult is the outcome of one matrix entry's binary build.
type EntryResult struct {
	Entry    MatrixEntry
	Artifact Artifact
	Err      error
}

// Driver runs the binary-build step once per matrix entry. Entries are
// independent: each owns its own build root, and one entry's failure never
// corrupts a sibling's artifact. With FailFast disabled (the default) all
// entries run to completion for diagnostics and the run is reported failed
// if any entry failed; with FailFast enabled the first failure cancels the
// remaining entries.
type Driver struct {
	builder  *Builder
	entries  []MatrixEntry
	failFast bool
	logger   zerolog.Logger
}

// NewDriver constructs a Driver over the ordered entry set.
func NewDriver(b *Builder, entries []MatrixEntry, failFast bool, logger zerolog.Logger) (*Driver, error) {
	if b == nil {
		return nil, errors.New("builder: matrix driver requires a builder")
	}
	if len(entries) == 0 {
		return nil, errors.New("builder: matrix requires at least one entry")
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.OS == "" || e.Arch == "" {
			return nil, fmt.Errorf("builder: matrix entry %q missing os or arch", e)
		}
		if _, dup := seen[e.Root()]; dup {
			return nil, fmt.Errorf("builder: duplicate matrix entry %s", e)
		}
		seen[e.Root()] = struct{}{}
	}

	return &Driver{
		builder:  b,
		entries:  entries,
		failFast: failFast,
		logger:   logger,
	}, nil
}

// Run executes the binary build for every entry concurrently and returns the
// per-entry results in matrix order, plus an aggregate error when any entry
// failed. Artifacts of successful entries are always returned, even on an
// overall failure.
func (d *Driver) Run(ctx context.Context) ([]EntryResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]EntryResult, len(d.entries))

	var wg sync.WaitGroup
	for i, entry := range d.entries {
		wg.Add(1)
		go func(i int, entry MatrixEntry) {
			defer wg.Done()

			artifact, err := d.builder.BuildBinary(ctx, entry)
			results[i] = EntryResult{Entry: entry, Artifact: artifact, Err: err}
			if err != nil {
				d.logger.Error().Err(err).Stringer("entry", entry).Msg("matrix entry failed")
				if d.failFast {
					cancel()
				}
				return
			}
			d.logger.Info().Stringer("entry", entry).Msg("matrix entry built")
		}(i, entry)
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("builder: %d of %d matrix entries failed: %w",
			len(errs), len(d.entries), errors.Join(errs...))
	}
	return results, nil
}

// Artifacts extracts the artifacts of successful entries, in matrix order.
func Artifacts(results []EntryResult) []Artifact {
	out := make([]Artifact, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Artifact)
		}
	}
	return out
}
