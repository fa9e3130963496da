package lode

import (
	"time"

	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/types"
)

// Record kinds, stored in the record_kind field and partition.
const (
	RecordKindBatch  = "batch"
	RecordKindResult = "result"
)

// Partition keys in path order.
var partitionKeys = []string{"source", "day", "record_kind"}

// DeriveDay returns the UTC day partition for t (YYYY-MM-DD).
func DeriveDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func batchRecord(b *sink.Batch, source string) map[string]any {
	return map[string]any{
		"record_kind":      RecordKindBatch,
		"source":           source,
		"day":              DeriveDay(b.ReportedAt),
		"contract_version": b.ContractVersion,
		"event_type":       b.EventType,
		"qid":              b.QueryID,
		"resolver_id":      int(b.ResolverID),
		"result_count":     b.ResultCount,
		"reported_at":      b.ReportedAt.UTC().Format(time.RFC3339Nano),
	}
}

// resultRecord flattens one result. Absent optional fields are omitted;
// duration is stored in milliseconds.
func resultRecord(b *sink.Batch, position int, r types.Result, source string) map[string]any {
	rec := map[string]any{
		"record_kind": RecordKindResult,
		"source":      source,
		"day":         DeriveDay(b.ReportedAt),
		"qid":         b.QueryID,
		"resolver_id": int(r.ResolverID),
		"position":    position,
		"url":         r.URL,
		"reported_at": b.ReportedAt.UTC().Format(time.RFC3339Nano),
	}
	setString(rec, "track", r.Track)
	setString(rec, "artist", r.Artist)
	setString(rec, "album", r.Album)
	setString(rec, "purchase_url", r.PurchaseURL)
	setString(rec, "link_url", r.LinkURL)
	if r.Bitrate != nil {
		rec["bitrate"] = *r.Bitrate
	}
	if r.Size != nil {
		rec["size"] = *r.Size
	}
	if r.Duration != nil {
		rec["duration_ms"] = r.Duration.Milliseconds()
	}
	if r.TrackNumber != nil {
		rec["track_number"] = *r.TrackNumber
	}
	if r.DiscNumber != nil {
		rec["disc_number"] = *r.DiscNumber
	}
	if r.Score != nil {
		rec["score"] = *r.Score
	}
	return rec
}

func setString(rec map[string]any, key, v string) {
	if v != "" {
		rec[key] = v
	}
}

// batchRecords returns the batch summary followed by one record per result.
func batchRecords(b *sink.Batch, source string) []any {
	records := make([]any, 0, len(b.Results)+1)
	records = append(records, batchRecord(b, source))
	for i, r := range b.Results {
		records = append(records, resultRecord(b, i, r, source))
	}
	return records
}
