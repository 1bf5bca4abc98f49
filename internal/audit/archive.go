package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

const defaultArchiveBatch = 1000

// ChainIntegrityError reports a chain that failed verification. It is never
// repaired automatically.
type ChainIntegrityError struct {
	EventID string
	Reason  string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at %s: %s", e.EventID, e.Reason)
}

// ObjectWriter stores archive segments. storage.ObjectStore satisfies it.
type ObjectWriter interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Archiver copies verified segments of the log to object storage as JSON
// lines. It only reads the log.
type Archiver struct {
	Log       *Log
	Objects   ObjectWriter
	Prefix    string
	BatchSize int

	mu   sync.Mutex
	last int64
}

func NewArchiver(log *Log, objects ObjectWriter, prefix string) *Archiver {
	return &Archiver{Log: log, Objects: objects, Prefix: prefix, BatchSize: defaultArchiveBatch}
}

// ArchiveOnce exports the next batch of events after the last archived
// sequence. It returns the number of events written.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	if a.Log == nil || a.Objects == nil {
		return 0, errors.New("archiver not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	limit := a.BatchSize
	if limit <= 0 {
		limit = defaultArchiveBatch
	}
	events, err := a.Log.ListEvents(ctx, a.last+1, limit)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	prev := events[0].PreviousEventHash
	for i, ev := range events {
		if reason := checkEvent(ev, events[0].Sequence+int64(i), prev); reason != "" {
			return 0, &ChainIntegrityError{EventID: ev.ID, Reason: reason}
		}
		prev = ev.EventHash
		if err := enc.Encode(ev); err != nil {
			return 0, err
		}
	}
	first, last := events[0].Sequence, events[len(events)-1].Sequence
	key := fmt.Sprintf("%020d-%020d.jsonl", first, last)
	if p := strings.Trim(a.Prefix, "/"); p != "" {
		key = p + "/" + key
	}
	uri, err := a.Objects.Put(ctx, key, buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("archive put: %w", err)
	}
	a.last = last
	slog.Info("audit segment archived", "uri", uri, "from", first, "to", last)
	return len(events), nil
}

// Start runs ArchiveOnce on a cron schedule until ctx is done.
func (a *Archiver) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := a.ArchiveOnce(ctx); err != nil {
			slog.Error("audit archive failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("archive schedule: %w", err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
