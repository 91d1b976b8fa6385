package remote

import (
	"context"
	"net"
	"net/rpc"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"triage/internal/backend"
)

// service adapts a Backend to net/rpc. Calls are serialized because the
// backend holds a single machine state.
type service struct {
	ctx context.Context
	log logrus.FieldLogger

	mu     sync.Mutex
	b      backend.Backend
	resets uint64
}

func (s *service) InitialContext(args *InitialContextArgs, res *InitialContextRes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.b.InitialContext(s.ctx)
	if err != nil {
		return err
	}
	res.Context = c
	return nil
}

func (s *service) Params(args *ParamsArgs, res *ParamsRes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.b.Params(s.ctx)
	if err != nil {
		return err
	}
	res.Params = p
	return nil
}

func (s *service) Execute(args *ExecuteArgs, res *ExecuteRes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.log.WithFields(logrus.Fields{"client": args.Client, "coverage": args.Params.Coverage})
	log.Debug("executing")
	tr, err := s.b.Execute(s.ctx, args.Context, args.Params)
	if err != nil {
		log.WithError(err).Warn("execution failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"instructions": len(tr.Coverage),
		"status":       tr.Status,
		"elapsed":      tr.Elapsed,
	}).Debug("executed")
	res.Trace = tr
	return nil
}

func (s *service) WriteMemory(args *WriteMemoryArgs, res *WriteMemoryRes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.b.WriteMemory(s.ctx, args.Address, args.Data); err != nil {
		return err
	}
	res.Written = len(args.Data)
	return nil
}

func (s *service) Reset(args *ResetArgs, res *ResetRes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.b.Reset(s.ctx); err != nil {
		return err
	}
	s.resets++
	res.Resets = s.resets
	return nil
}

// Serve exposes b on l until ctx is cancelled. It returns nil on cancellation.
// Clients are served one at a time: a second connection waits until the
// first one is closed, so replays of two clients never interleave.
func Serve(ctx context.Context, l net.Listener, b backend.Backend, log logrus.FieldLogger) error {
	srv := rpc.NewServer()
	svc := &service{ctx: ctx, log: log, b: b}
	if err := srv.RegisterName(ServiceName, svc); err != nil {
		return errors.Wrap(err, "register snapshot service")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()

	// one connection owns the machine state until it disconnects
	session := make(chan struct{}, 1)

	log.WithField("addr", l.Addr().String()).Info("serving snapshot")
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go serveSession(ctx, srv, conn, session, log.WithField("peer", conn.RemoteAddr().String()))
	}
}

// serveSession waits for the session slot, then serves conn until the
// client disconnects. Queued clients are served in turn.
func serveSession(ctx context.Context, srv *rpc.Server, conn net.Conn, session chan struct{}, log logrus.FieldLogger) {
	select {
	case session <- struct{}{}:
	default:
		log.Info("snapshot busy, client queued")
		select {
		case session <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
	defer func() { <-session }()

	log.Info("client connected")
	srv.ServeConn(conn)
	log.Info("client disconnected")
}
