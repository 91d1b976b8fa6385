package remote

import (
	"context"
	"net"
	"net/rpc"
	"os"
	"time"

	"github.com/pkg/errors"

	"triage/internal/backend"
	"triage/internal/trace"
)

// DefaultDialTimeout bounds the initial connection to a snapshot server.
const DefaultDialTimeout = 10 * time.Second

// Client is a Backend living on a snapshot server.
type Client struct {
	addr   string
	name   string
	client *rpc.Client
}

// Dial connects to the snapshot server at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial snapshot server %s", addr)
	}
	name, _ := os.Hostname()
	return &Client{
		addr:   addr,
		name:   name,
		client: rpc.NewClient(conn),
	}, nil
}

// String returns the server address.
func (c *Client) String() string {
	return c.addr
}

// call issues method and waits for the reply or ctx, whichever comes first.
// An abandoned call keeps running on the server; the caller is expected to
// Reset afterwards.
func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	call := c.client.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return &backend.ExecutionError{Op: method, Err: call.Error}
		}
		return nil
	case <-ctx.Done():
		return &backend.ExecutionError{Op: method, Err: errors.Wrap(ctx.Err(), "remote call abandoned")}
	}
}

func (c *Client) InitialContext(ctx context.Context) (backend.Context, error) {
	res := &InitialContextRes{}
	if err := c.call(ctx, "InitialContext", &InitialContextArgs{Client: c.name}, res); err != nil {
		return nil, err
	}
	return res.Context, nil
}

func (c *Client) Params(ctx context.Context) (backend.Params, error) {
	res := &ParamsRes{}
	if err := c.call(ctx, "Params", &ParamsArgs{Client: c.name}, res); err != nil {
		return backend.Params{}, err
	}
	return res.Params, nil
}

func (c *Client) Execute(ctx context.Context, bc backend.Context, p backend.Params) (*trace.Trace, error) {
	args := &ExecuteArgs{Client: c.name, Context: bc, Params: p}
	res := &ExecuteRes{}
	if err := c.call(ctx, "Execute", args, res); err != nil {
		return nil, err
	}
	if res.Trace == nil {
		return nil, &backend.ExecutionError{Op: "Execute", Err: errors.New("server returned no trace")}
	}
	return res.Trace, nil
}

func (c *Client) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	args := &WriteMemoryArgs{Client: c.name, Address: addr, Data: data}
	return c.call(ctx, "WriteMemory", args, &WriteMemoryRes{})
}

func (c *Client) Reset(ctx context.Context) error {
	return c.call(ctx, "Reset", &ResetArgs{Client: c.name}, &ResetRes{})
}

func (c *Client) Close() error {
	return c.client.Close()
}

var _ backend.Backend = (*Client)(nil)
