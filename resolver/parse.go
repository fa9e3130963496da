package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/resolvd/types"
)

// parseSettings applies a settings payload to prior. Fields that are absent
// or unparseable keep their prior values. A relative icon is resolved
// against scriptDir.
func parseSettings(payload json.RawMessage, prior types.Settings, scriptDir string) (types.Settings, []string) {
	if payload == nil {
		return prior, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return prior, []string{"settings is not an object"}
	}

	s := prior
	var problems []string
	if raw, ok := obj["name"]; ok {
		if v, ok := lenientString(raw); ok && v != "" {
			s.Name = v
		} else {
			problems = append(problems, "name")
		}
	}
	if raw, ok := obj["weight"]; ok {
		if v, ok := lenientNativeInt(raw); ok {
			s.Weight = v
		} else {
			problems = append(problems, "weight")
		}
	}
	if raw, ok := obj["timeout"]; ok {
		if v, ok := lenientFloat(raw); ok && v >= 0 {
			s.Timeout = seconds(v)
		} else {
			problems = append(problems, "timeout")
		}
	}
	if raw, ok := obj["icon"]; ok {
		if v, ok := lenientString(raw); ok && v != "" {
			if !filepath.IsAbs(v) {
				v = filepath.Join(scriptDir, v)
			}
			s.Icon = v
		} else {
			problems = append(problems, "icon")
		}
	}
	return s, problems
}

// resultBatch is a parsed AddTrackResults payload.
type resultBatch struct {
	QueryID string
	Results []types.Result
	// Skipped counts elements dropped entirely.
	Skipped int
	// Problems describes skipped elements and skipped optional fields.
	Problems []string
}

// parseResults parses {"qid": ..., "results": [...]}. Each element needs a
// non-empty url; optional fields are parsed independently and a bad one is
// skipped alone.
func parseResults(payload json.RawMessage, id types.ResolverID) (resultBatch, error) {
	if payload == nil {
		return resultBatch{}, errors.New("results payload is empty")
	}
	var envelope struct {
		QID     json.RawMessage   `json:"qid"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return resultBatch{}, fmt.Errorf("results payload: %w", err)
	}
	qid, ok := lenientString(envelope.QID)
	if !ok || qid == "" {
		return resultBatch{}, errors.New("results payload has no qid")
	}

	batch := resultBatch{QueryID: qid, Results: make([]types.Result, 0, len(envelope.Results))}
	for i, raw := range envelope.Results {
		r, problems, err := parseResult(raw, id)
		if err != nil {
			batch.Skipped++
			batch.Problems = append(batch.Problems, fmt.Sprintf("results[%d]: %v", i, err))
			continue
		}
		for _, p := range problems {
			batch.Problems = append(batch.Problems, fmt.Sprintf("results[%d].%s", i, p))
		}
		batch.Results = append(batch.Results, r)
	}
	return batch, nil
}

func parseResult(raw json.RawMessage, id types.ResolverID) (types.Result, []string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return types.Result{}, nil, errors.New("not an object")
	}
	url, ok := lenientString(obj["url"])
	if !ok || strings.TrimSpace(url) == "" {
		return types.Result{}, nil, errors.New("missing url")
	}

	r := types.Result{ResolverID: id, URL: url}
	var problems []string
	field := func(name string, apply func(json.RawMessage) bool) {
		raw, ok := obj[name]
		if !ok || isNull(raw) {
			return
		}
		if !apply(raw) {
			problems = append(problems, name)
		}
	}

	str := func(dst *string) func(json.RawMessage) bool {
		return func(raw json.RawMessage) bool {
			v, ok := lenientString(raw)
			if ok {
				*dst = v
			}
			return ok
		}
	}
	integer := func(dst **int) func(json.RawMessage) bool {
		return func(raw json.RawMessage) bool {
			n, ok := lenientNativeInt(raw)
			if ok {
				*dst = &n
			}
			return ok
		}
	}

	field("artist", str(&r.Artist))
	field("album", str(&r.Album))
	field("track", str(&r.Track))
	field("purchaseUrl", str(&r.PurchaseURL))
	field("linkUrl", str(&r.LinkURL))
	field("albumpos", integer(&r.TrackNumber))
	field("discnumber", integer(&r.DiscNumber))
	field("bitrate", integer(&r.Bitrate))
	field("size", func(raw json.RawMessage) bool {
		v, ok := lenientInt(raw)
		if ok {
			r.Size = &v
		}
		return ok
	})
	field("duration", func(raw json.RawMessage) bool {
		v, ok := lenientFloat(raw)
		if ok && v >= 0 {
			d := seconds(v)
			r.Duration = &d
			return true
		}
		return false
	})
	field("score", func(raw json.RawMessage) bool {
		v, ok := lenientFloat(raw)
		if ok {
			r.Score = &v
		}
		return ok
	})

	return r, problems, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// lenientString accepts a JSON string, number or boolean.
func lenientString(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}

// lenientFloat accepts a JSON number or a numeric string.
func lenientFloat(raw json.RawMessage) (float64, bool) {
	s, ok := lenientString(raw)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// lenientInt accepts an integral JSON number or numeric string.
func lenientInt(raw json.RawMessage) (int64, bool) {
	s, ok := lenientString(raw)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// lenientNativeInt is lenientInt bounded to the platform int.
func lenientNativeInt(raw json.RawMessage) (int, bool) {
	v, ok := lenientInt(raw)
	if !ok || v < math.MinInt || v > math.MaxInt {
		return 0, false
	}
	return int(v), true
}

// seconds converts fractional seconds to a Duration rounded to the
// millisecond.
func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v*1000)) * time.Millisecond
}
