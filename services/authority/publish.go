package authority

import (
	"context"
	"time"

	"lensboard/pkg/artifact"
)

func (a *API) publishJSON(ctx context.Context, subject string, payload any) {
	if a.store.Bus == nil || subject == "" {
		return
	}
	// The mutation is already committed; the event must not die with the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.store.Bus.Publish(ctx, subject, payload); err != nil {
		a.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func (a *API) publishChange(ctx context.Context, op string, before, after *Record) {
	ev := artifact.ChangeEvent{Op: op, At: time.Now().UTC()}
	for _, rec := range []*Record{after, before} {
		if rec != nil {
			ev.Domain, ev.Type, ev.ID, ev.Version = rec.Domain, rec.Type, rec.ID, rec.Version
			break
		}
	}
	if before != nil {
		ev.Before = before.Data
	}
	if after != nil {
		ev.After = after.Data
	}
	a.publishJSON(ctx, artifact.ChangeSubject(op), ev)
}
