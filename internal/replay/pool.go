package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"triage/internal/backend"
)

// ErrEmptyPool is returned when a pool is built without backends.
var ErrEmptyPool = errors.New("no backend to replay on")

// Pool hands out replayers, each owned by at most one in-flight replay.
type Pool struct {
	free chan *Replayer
	all  []*Replayer
}

// NewPool builds one Replayer per backend.
func NewPool(ctx context.Context, backends []backend.Backend, log logrus.FieldLogger, opts Options) (*Pool, error) {
	if len(backends) == 0 {
		return nil, ErrEmptyPool
	}
	p := &Pool{free: make(chan *Replayer, len(backends))}
	for i, b := range backends {
		fields := logrus.Fields{"backend": i}
		if s, ok := b.(fmt.Stringer); ok {
			fields["snapshot"] = s.String()
		}
		r, err := New(ctx, b, log.WithFields(fields), opts)
		if err != nil {
			return nil, fmt.Errorf("backend %d: %w", i, err)
		}
		p.all = append(p.all, r)
		p.free <- r
	}
	return p, nil
}

// Size returns the number of replayers, which bounds concurrent replays.
func (p *Pool) Size() int {
	return len(p.all)
}

// Acquire blocks until a replayer is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Replayer, error) {
	select {
	case r := <-p.free:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns r to the pool.
func (p *Pool) Release(r *Replayer) {
	p.free <- r
}
