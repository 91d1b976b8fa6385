// Package remote serves and consumes an execution backend over net/rpc.
// A snapshot server owns one machine state; each client call maps to one
// Backend operation on it.
package remote

import (
	"triage/internal/backend"
	"triage/internal/trace"
)

// ServiceName is the net/rpc receiver name.
const ServiceName = "Snapshot"

// Every Args type carries the client name so the server can attribute calls.

type InitialContextArgs struct {
	Client string
}

type InitialContextRes struct {
	Context backend.Context
}

type ParamsArgs struct {
	Client string
}

type ParamsRes struct {
	Params backend.Params
}

type ExecuteArgs struct {
	Client  string
	Context backend.Context
	Params  backend.Params
}

type ExecuteRes struct {
	Trace *trace.Trace
}

type WriteMemoryArgs struct {
	Client  string
	Address uint64
	Data    []byte
}

type WriteMemoryRes struct {
	Written int
}

type ResetArgs struct {
	Client string
}

type ResetRes struct {
	Resets uint64
}
