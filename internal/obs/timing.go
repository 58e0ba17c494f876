package obs

import (
	"context"
	"log"
	"time"
)

type ctxKey string

// RequestIDKey carries the per-request id set by the HTTP middleware.
const RequestIDKey ctxKey = "req_id"

// WithRequestID returns ctx tagged with id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Time logs one op= line when the returned func runs. Pass the named error
// result so failures are logged with the op:
//
//	defer obs.Time(ctx, "store.upsert_actual_stop")(&err)
func Time(ctx context.Context, name string) func(errp *error) {
	start := time.Now()
	reqID := RequestID(ctx)

	return func(errp *error) {
		dur := time.Since(start)

		if errp != nil && *errp != nil {
			log.Printf("req_id=%s op=%s dur=%dms err=%v", reqID, name, dur.Milliseconds(), *errp)
			return
		}
		log.Printf("req_id=%s op=%s dur=%dms", reqID, name, dur.Milliseconds())
	}
}
