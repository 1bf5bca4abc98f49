package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/metrics"
)

const (
	defaultMaxRetries = 8
	verifyPageSize    = 500
)

// Log appends redacted, hash-chained events to a Store.
type Log struct {
	Store      Store
	Redactor   Redactor
	Now        func() time.Time
	NewID      func() string
	MaxRetries int

	mu sync.Mutex
}

func NewLog(store Store, redactor Redactor) *Log {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Log{
		Store:      store,
		Redactor:   redactor,
		Now:        time.Now,
		NewID:      func() string { return "evt_" + uuid.NewString() },
		MaxRetries: defaultMaxRetries,
	}
}

// Append records entry as the next event in the chain. Appends through one
// Log are serialized; other writers sharing the store race on its tip and the
// loser recomputes against the new tip.
func (l *Log) Append(ctx context.Context, entry Entry) (Event, error) {
	if l == nil || l.Store == nil {
		return Event{}, errors.New("audit log not initialized")
	}
	if entry.Type == "" {
		return Event{}, errors.New("event type required")
	}
	details, err := l.prepareDetails(entry.Details)
	if err != nil {
		return Event{}, fmt.Errorf("audit details: %w", err)
	}
	detailsHash, err := DetailsHash(details)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		ID:          l.newID(),
		Type:        entry.Type,
		CallID:      entry.CallID,
		ActorID:     entry.ActorID,
		Timestamp:   l.now(),
		Details:     details,
		DetailsHash: detailsHash,
	}
	retries := l.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for attempt := 0; ; attempt++ {
		tip, err := l.Store.Tip(ctx)
		if err != nil {
			return Event{}, err
		}
		ev.Sequence = tip.Sequence + 1
		ev.PreviousEventHash = tip.hash()
		ev.EventHash, err = ComputeEventHash(ev)
		if err != nil {
			return Event{}, err
		}
		err = l.Store.Append(ctx, ev, tip)
		if err == nil {
			metrics.AuditAppendsTotal.WithLabelValues(string(ev.Type)).Inc()
			return ev, nil
		}
		if !errors.Is(err, ErrTipMoved) || attempt >= retries {
			return Event{}, err
		}
		metrics.AuditAppendRetriesTotal.Inc()
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
	}
}

func (l *Log) prepareDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	switch generic.(type) {
	case nil:
		return nil, nil
	case map[string]any, []any:
	default:
		generic = map[string]any{"value": generic}
	}
	generic = redactValue(l.Redactor, generic)
	raw, err = json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return canonical(raw)
}

// VerifyChain replays the chain from fromID (or from genesis when empty) and
// reports the first event whose sequence, link or hash does not check out.
func (l *Log) VerifyChain(ctx context.Context, fromID string) (VerifyResult, error) {
	if l == nil || l.Store == nil {
		return VerifyResult{}, errors.New("audit log not initialized")
	}
	next := int64(1)
	prev := GenesisHash
	if fromID != "" {
		start, err := l.Store.Get(ctx, fromID)
		if err != nil {
			return VerifyResult{}, err
		}
		next = start.Sequence
		prev = start.PreviousEventHash
	}
	res := VerifyResult{Valid: true}
	for {
		page, err := l.Store.List(ctx, next, verifyPageSize)
		if err != nil {
			return VerifyResult{}, err
		}
		for _, ev := range page {
			if reason := checkEvent(ev, next, prev); reason != "" {
				return VerifyResult{Checked: res.Checked, BrokenAtEventID: ev.ID, Reason: reason}, nil
			}
			res.Checked++
			prev = ev.EventHash
			next++
		}
		if len(page) < verifyPageSize {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, err
		}
	}
}

func checkEvent(ev Event, wantSeq int64, wantPrev string) string {
	if ev.Sequence != wantSeq {
		return fmt.Sprintf("sequence gap: want %d, got %d", wantSeq, ev.Sequence)
	}
	if ev.PreviousEventHash != wantPrev {
		return "previous hash does not link to prior event"
	}
	details, err := DetailsHash(ev.Details)
	if err != nil || details != ev.DetailsHash {
		return "details hash mismatch"
	}
	h, err := ComputeEventHash(ev)
	if err != nil || h != ev.EventHash {
		return "event hash mismatch"
	}
	return ""
}

// ListEvents pages through the log oldest first.
func (l *Log) ListEvents(ctx context.Context, fromSequence int64, limit int) ([]Event, error) {
	if fromSequence < 1 {
		fromSequence = 1
	}
	return l.Store.List(ctx, fromSequence, limit)
}

// EventsForCall scans the log for one call's events.
func (l *Log) EventsForCall(ctx context.Context, callID string) ([]Event, error) {
	var out []Event
	next := int64(1)
	for {
		page, err := l.Store.List(ctx, next, verifyPageSize)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if ev.CallID == callID {
				out = append(out, ev)
			}
			next = ev.Sequence + 1
		}
		if len(page) < verifyPageSize {
			return out, nil
		}
	}
}

// now is truncated to microseconds so timestamps survive a round trip
// through Postgres unchanged.
func (l *Log) now() time.Time {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (l *Log) newID() string {
	if l.NewID != nil {
		return l.NewID()
	}
	return "evt_" + uuid.NewString()
}
