// Package notifytest provides a recording notify.Channel for tests.
package notifytest

import (
	"context"
	"sync"
	"time"

	"fintrack-auth/internal/notify"
)

type Sent struct {
	To  notify.Destination
	Msg notify.Message
}

// Recorder records every send. Err makes sends fail; Delay makes them
// block until the delay passes or ctx ends.
type Recorder struct {
	mu    sync.Mutex
	sent  []Sent
	Err   error
	Delay time.Duration
}

func (r *Recorder) Send(ctx context.Context, to notify.Destination, msg notify.Message) error {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, Sent{To: to, Msg: msg})
	return nil
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// Last returns the most recent send. It panics when nothing was sent.
func (r *Recorder) Last() Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}
