package ingest

import (
	"encoding/json"
	"time"
)

// Window is a closed time range [Start, End] in UTC.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LookbackWindow returns [now-lookback, now].
func LookbackWindow(now time.Time, lookback time.Duration) Window {
	now = now.UTC()
	return Window{Start: now.Add(-lookback), End: now}
}

type triggerBody struct {
	Lookback *float64 `json:"lookback"`
}

// ParseTrigger resolves the window for a sync trigger. The body may carry
// {"lookback": <minutes>}; an absent, malformed or non-positive value falls
// back to def.
func ParseTrigger(body []byte, now time.Time, def time.Duration) Window {
	lookback := def
	var tb triggerBody
	if len(body) > 0 && json.Unmarshal(body, &tb) == nil && tb.Lookback != nil && *tb.Lookback > 0 {
		lookback = time.Duration(*tb.Lookback * float64(time.Minute))
	}
	return LookbackWindow(now, lookback)
}

// Chunks splits [start, end) into consecutive windows of at most size. With
// newestFirst the most recent chunk comes first.
func Chunks(start, end time.Time, size time.Duration, newestFirst bool) []Window {
	if size <= 0 || !end.After(start) {
		return nil
	}
	var out []Window
	for cur := start.UTC(); cur.Before(end); cur = cur.Add(size) {
		next := cur.Add(size)
		if next.After(end) {
			next = end.UTC()
		}
		out = append(out, Window{Start: cur, End: next})
	}
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
