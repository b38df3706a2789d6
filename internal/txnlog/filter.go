package txnlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/lql"
)

// maxFilterDocBytes bounds one encoded record handed to the selector.
const maxFilterDocBytes = 1 << 20

// Filter selects log records with an LQL selector evaluated against their
// JSON form, e.g. `/status="PREPARE_FINISHED"` or
// `and.eq{field=/source,value=alpha},and.eq{field=/status,value=COMMIT_STARTED}`.
// A nil Filter matches everything.
type Filter struct {
	expr string
	plan lql.QueryStreamPlan
}

// ParseFilter compiles expr. An empty expression yields a nil Filter.
func ParseFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	selector, err := lql.ParseSelectorString(expr)
	if err != nil {
		return nil, fmt.Errorf("txnlog: parse selector %q: %w", expr, err)
	}
	if selector.IsEmpty() {
		return nil, nil
	}
	plan, err := lql.NewQueryStreamPlan(selector)
	if err != nil {
		return nil, fmt.Errorf("txnlog: compile selector %q: %w", expr, err)
	}
	return &Filter{expr: expr, plan: plan}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// MatchEntry reports whether e satisfies the selector.
func (f *Filter) MatchEntry(ctx context.Context, e Entry) (bool, error) {
	if f == nil {
		return true, nil
	}
	payload, err := Encode(e)
	if err != nil {
		return false, err
	}
	return f.match(ctx, payload)
}

// MatchSummary reports whether s satisfies the selector.
func (f *Filter) MatchSummary(ctx context.Context, s Summary) (bool, error) {
	if f == nil {
		return true, nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	return f.match(ctx, payload)
}

func (f *Filter) match(ctx context.Context, payload []byte) (bool, error) {
	matched := false
	_, err := lql.QueryStreamWithResult(lql.QueryStreamRequest{
		Ctx:               ctx,
		Reader:            bytes.NewReader(payload),
		Plan:              f.plan,
		Mode:              lql.QueryDecisionOnly,
		MaxMatches:        1,
		MaxCandidateBytes: maxFilterDocBytes,
		OnDecision: func(d lql.QueryStreamDecision) error {
			if !d.Matched {
				return nil
			}
			matched = true
			return lql.ErrStreamStop
		},
	})
	if err != nil && !errors.Is(err, lql.ErrStreamStop) {
		return false, fmt.Errorf("txnlog: evaluate selector %q: %w", f.expr, err)
	}
	return matched, nil
}

// Scan visits only the entries of store that match f.
func (f *Filter) Scan(ctx context.Context, store Store, visit func(Entry) error) error {
	return store.Scan(ctx, f.Visitor(ctx, visit))
}

// Visitor wraps visit so that non-matching entries are skipped.
func (f *Filter) Visitor(ctx context.Context, visit func(Entry) error) func(Entry) error {
	if f == nil {
		return visit
	}
	return func(e Entry) error {
		ok, err := f.MatchEntry(ctx, e)
		if err != nil || !ok {
			return err
		}
		return visit(e)
	}
}
