package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ErrNoResultsFound is returned when the archive holds no results for a query.
var ErrNoResultsFound = errors.New("no archived results found")

// ResultFilter narrows QueryResults. Empty fields match everything.
type ResultFilter struct {
	QueryID string
	Source  string
	Day     string
}

// QueryResults returns archived result records matching f, oldest
// snapshot first. Records are deduplicated, so cumulative snapshots are
// safe to read.
func QueryResults(ctx context.Context, ds lode.Dataset, f ResultFilter) ([]map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, fmt.Sprintf("%s/snapshots", ds.ID()))
	}

	seen := make(map[string]bool)
	var out []map[string]any
	for _, snap := range snapshots {
		// Partition paths are a coarse pre-filter; record fields decide.
		if !snapshotMatchesFilter(snap, "record_kind", RecordKindResult) ||
			!snapshotMatchesFilter(snap, "source", f.Source) ||
			!snapshotMatchesFilter(snap, "day", f.Day) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || toString(record["record_kind"]) != RecordKindResult {
				continue
			}
			if !fieldMatches(record, "qid", f.QueryID) ||
				!fieldMatches(record, "source", f.Source) ||
				!fieldMatches(record, "day", f.Day) {
				continue
			}
			key := recordKey(record)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, record)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoResultsFound
	}
	return out, nil
}

func fieldMatches(record map[string]any, key, want string) bool {
	return want == "" || toString(record[key]) == want
}

func recordKey(record map[string]any) string {
	return strings.Join([]string{
		toString(record["qid"]),
		toString(record["reported_at"]),
		fmt.Sprint(record["resolver_id"]),
		fmt.Sprint(record["position"]),
	}, "|")
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
