// Package audit records every accepted artifact mutation and action
// invocation published by the authority.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lensboard/pkg/artifact"
	"lensboard/pkg/bus"
)

const (
	changesDurable = "lens-audit-changes"
	actionsDurable = "lens-audit-actions"
	actorAuthority = "authority"
)

// Entry is one audit row.
type Entry struct {
	Actor   string         `json:"actor" db:"actor"`
	Action  string         `json:"action" db:"action"`
	Obj     string         `json:"obj" db:"obj"`
	Details map[string]any `json:"details" db:"details"`
	At      time.Time      `json:"at" db:"at"`
}

// Sink persists audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Subscriber delivers bus messages. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Ingestor turns authority events into audit entries.
type Ingestor struct {
	sink   Sink
	bus    Subscriber
	logger zerolog.Logger

	subMu sync.Mutex
	subs  []io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(sink Sink, sub Subscriber, logger zerolog.Logger) (*Ingestor, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if sub == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingestor{sink: sink, bus: sub, logger: logger}, nil
}

// Start subscribes to change and action events and processes them until ctx
// is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}

	changes, err := i.bus.Subscribe(ctx, artifact.ChangeSubjects, changesDurable, i.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", artifact.ChangeSubjects, err)
	}
	actions, err := i.bus.Subscribe(ctx, artifact.ActionSubject, actionsDurable, i.handle)
	if err != nil {
		_ = changes.Close()
		return fmt.Errorf("subscribe %s: %w", artifact.ActionSubject, err)
	}

	i.subMu.Lock()
	i.subs = append(i.subs, changes, actions)
	i.subMu.Unlock()
	return nil
}

// Close stops the subscriptions.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}
	i.subMu.Lock()
	defer i.subMu.Unlock()

	var errs []error
	for _, sub := range i.subs {
		errs = append(errs, sub.Close())
	}
	i.subs = nil
	return errors.Join(errs...)
}

func (i *Ingestor) handle(ctx context.Context, subject string, data []byte) error {
	entry, err := entryFor(subject, data)
	if err != nil {
		// Malformed events would be redelivered forever.
		i.logger.Error().Err(err).Str("subject", subject).Msg("drop event")
		return nil
	}
	if err := i.sink.Record(ctx, entry); err != nil {
		i.logger.Warn().Err(err).Str("subject", subject).Str("obj", entry.Obj).Msg("record audit entry")
		return err
	}
	i.logger.Debug().Str("action", entry.Action).Str("obj", entry.Obj).Msg("audit entry recorded")
	return nil
}

func entryFor(subject string, data []byte) (Entry, error) {
	switch {
	case subject == artifact.ActionSubject:
		var ev artifact.ActionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Entry{}, fmt.Errorf("decode action event: %w", err)
		}
		if ev.ID == "" || ev.Action == "" {
			return Entry{}, errors.New("action event without id or action")
		}
		details := map[string]any{"domain": ev.Domain, "ok": ev.OK}
		if ev.Error != "" {
			details["error"] = ev.Error
		}
		return Entry{
			Actor:   actorAuthority,
			Action:  "action." + ev.Action,
			Obj:     ev.ID,
			Details: details,
			At:      orNow(ev.At),
		}, nil

	case strings.HasPrefix(subject, strings.TrimSuffix(artifact.ChangeSubjects, ">")):
		var ev artifact.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Entry{}, fmt.Errorf("decode change event: %w", err)
		}
		if ev.ID == "" || ev.Op == "" {
			return Entry{}, errors.New("change event without id or op")
		}
		return Entry{
			Actor:  actorAuthority,
			Action: "artifact." + ev.Op,
			Obj:    ev.ID,
			Details: map[string]any{
				"collection": artifact.Key{Domain: ev.Domain, Type: ev.Type}.String(),
				"version":    ev.Version,
				"changes":    computeDiff(ev.Before, ev.After),
			},
			At: orNow(ev.At),
		}, nil

	default:
		return Entry{}, fmt.Errorf("unexpected subject %q", subject)
	}
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// computeDiff maps every payload field that differs between before and
// after to its old and new values. Missing fields are reported as nil.
func computeDiff(before, after map[string]any) map[string]map[string]any {
	diff := make(map[string]map[string]any)
	visit := func(key string) {
		if _, done := diff[key]; done {
			return
		}
		old, hadOld := before[key]
		cur, hasNew := after[key]
		if hadOld && hasNew && reflect.DeepEqual(old, cur) {
			return
		}
		diff[key] = map[string]any{"old": old, "new": cur}
	}
	for key := range before {
		visit(key)
	}
	for key := range after {
		visit(key)
	}
	return diff
}
