package obs

import (
	"context"
	"log"
	"time"
)

type ctxKey string

// SessionKey carries the tracking session id through store calls.
const SessionKey ctxKey = "session"

// WithSession tags ctx so Time lines can be correlated with a session.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionKey, id)
}

// Time logs the duration of an operation when the returned func is deferred:
//
//	defer obs.Time(ctx, "store.update_position")(&err)
func Time(ctx context.Context, name string) func(errp *error) {
	start := time.Now()
	session, _ := ctx.Value(SessionKey).(string)

	return func(errp *error) {
		dur := time.Since(start)
		if errp != nil && *errp != nil {
			log.Printf("session=%s op=%s dur=%dms err=%v", session, name, dur.Milliseconds(), *errp)
			return
		}
		log.Printf("session=%s op=%s dur=%dms", session, name, dur.Milliseconds())
	}
}
