package proxy

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// requestState travels on the request context from the outermost handler
type requestState struct {
	start    time.Time
	id       string
	recorded atomic.Bool
}

type stateKey struct{}

func newRequestState() *requestState {
	return &requestState{start: time.Now(), id: uuid.NewString()}
}

func withState(ctx context.Context, st *requestState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// stateFrom returns the request state, or a fresh one when the request did
// not pass through the tracking handler
func stateFrom(ctx context.Context) *requestState {
	if st, ok := ctx.Value(stateKey{}).(*requestState); ok {
		return st
	}
	return newRequestState()
}

// statusWriter remembers the first final status written
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 && code >= 200 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController
func (s *statusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
