package recovery

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/repository"
)

// Store lists and requeues failed calls.
type Store interface {
	ListFailed(ctx context.Context, limit int) ([]model.Call, error)
	Requeue(ctx context.Context, callID string, to model.CallStatus) (bool, error)
}

// ObjectChecker confirms a vaulted recording still exists.
type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Category groups failed calls by what is left to retry with.
type Category string

const (
	CategoryStored  Category = "stored"
	CategoryAudio   Category = "audio_url"
	CategoryNoAudio Category = "no_audio"
)

// Options controls a recovery pass. The zero value is a dry run over every
// failed call.
type Options struct {
	Execute     bool
	StorageOnly bool
	Force       bool
	// Limit caps how many calls are requeued. Zero means no cap.
	Limit int
	// MaxRetries is the retry count at which a call is left failed unless
	// Force is set.
	MaxRetries int
	// Scan caps how many failed calls are read. Zero uses DefaultScan.
	Scan int
}

// DefaultScan is how many failed calls a pass reads when Options.Scan is unset.
const DefaultScan = 10000

// Decision is the verdict for one failed call.
type Decision struct {
	CallID      string           `json:"callId"`
	Category    Category         `json:"category"`
	Recoverable bool             `json:"recoverable"`
	Reason      string           `json:"reason"`
	Target      model.CallStatus `json:"target,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Report summarizes a recovery pass.
type Report struct {
	DryRun    bool                     `json:"dryRun"`
	Scanned   int                      `json:"scanned"`
	Counts    map[Category]Tally       `json:"counts"`
	Selected  []Decision               `json:"selected"`
	Recovered int                      `json:"recovered"`
	Errors    int                      `json:"errors"`
	ByTarget  map[model.CallStatus]int `json:"byTarget"`
	TopErrors []ErrorCount             `json:"topErrors"`
}

// Tally counts recoverable and unrecoverable calls in one category.
type Tally struct {
	Recoverable   int `json:"recoverable"`
	Unrecoverable int `json:"unrecoverable"`
}

// ErrorCount is one line of the error summary.
type ErrorCount struct {
	Prefix string `json:"prefix"`
	Count  int    `json:"count"`
}

// Recoverer runs recovery passes.
type Recoverer struct {
	store   Store
	objects ObjectChecker
}

// NewRecoverer builds a Recoverer. objects may be nil, in which case stored
// paths are trusted without a bucket lookup.
func NewRecoverer(store Store, objects ObjectChecker) *Recoverer {
	return &Recoverer{store: store, objects: objects}
}

// Run classifies failed calls and, when opts.Execute is set, requeues the
// recoverable ones: stored recordings go back to downloaded, calls with only
// an audio URL go back to pending.
func (r *Recoverer) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Scan <= 0 {
		opts.Scan = DefaultScan
	}
	calls, err := r.store.ListFailed(ctx, opts.Scan)
	if err != nil {
		return Report{}, eris.Wrap(err, "recovery: list failed calls")
	}
	rep := Report{
		DryRun:   !opts.Execute,
		Scanned:  len(calls),
		Counts:   make(map[Category]Tally),
		ByTarget: make(map[model.CallStatus]int),
	}
	rep.TopErrors = topErrors(calls, 10)

	for _, call := range calls {
		d := r.decide(ctx, call, opts)
		c := rep.Counts[d.Category]
		if d.Recoverable {
			c.Recoverable++
		} else {
			c.Unrecoverable++
		}
		rep.Counts[d.Category] = c
		if !d.Recoverable || (opts.StorageOnly && d.Category != CategoryStored) {
			continue
		}
		if opts.Limit > 0 && len(rep.Selected) >= opts.Limit {
			continue
		}
		rep.Selected = append(rep.Selected, d)
	}

	if rep.DryRun {
		zap.L().Info("recovery dry run", zap.Int("scanned", rep.Scanned), zap.Int("would_recover", len(rep.Selected)))
		return rep, nil
	}

	for i, d := range rep.Selected {
		ok, err := r.store.Requeue(ctx, d.CallID, d.Target)
		switch {
		case err != nil:
			rep.Errors++
			rep.Selected[i].Error = err.Error()
			zap.L().Error("requeue failed", zap.String("call_id", d.CallID), zap.Error(err))
		case !ok:
			rep.Errors++
			rep.Selected[i].Error = "call is no longer failed"
		default:
			rep.Recovered++
			rep.ByTarget[d.Target]++
		}
	}
	zap.L().Info("recovery complete", zap.Int("recovered", rep.Recovered), zap.Int("errors", rep.Errors))
	return rep, nil
}

func (r *Recoverer) decide(ctx context.Context, call model.Call, opts Options) Decision {
	msg := ""
	if call.ProcessingError != nil {
		msg = *call.ProcessingError
	}
	ok, reason := Classify(msg)
	d := Decision{CallID: call.ID, Recoverable: ok, Reason: reason}

	stale := strings.Contains(msg, repository.StaleClaimReason)
	if d.Recoverable && !opts.Force && opts.MaxRetries > 0 && call.RetryCount >= opts.MaxRetries && !stale {
		d.Recoverable = false
		d.Reason = "retry budget exhausted"
	}

	path, stored := call.StoragePath.Path()
	if stored && r.objects != nil {
		exists, err := r.objects.Exists(ctx, path)
		if err != nil {
			zap.L().Warn("object lookup failed", zap.String("call_id", call.ID), zap.Error(err))
		}
		stored = err == nil && exists
	}

	switch {
	case stored:
		d.Category, d.Target = CategoryStored, model.StatusDownloaded
	case call.HasAudio():
		d.Category, d.Target = CategoryAudio, model.StatusPending
	default:
		d.Category = CategoryNoAudio
		d.Recoverable = false
		d.Reason = "no audio to retry with"
	}
	if !d.Recoverable {
		d.Target = ""
	}
	return d
}

func topErrors(calls []model.Call, n int) []ErrorCount {
	counts := make(map[string]int)
	for _, c := range calls {
		prefix := "no error"
		if c.ProcessingError != nil && *c.ProcessingError != "" {
			prefix = model.Truncate(*c.ProcessingError, 50)
		}
		counts[prefix]++
	}
	out := make([]ErrorCount, 0, len(counts))
	for p, c := range counts {
		out = append(out, ErrorCount{Prefix: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Prefix < out[j].Prefix
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
