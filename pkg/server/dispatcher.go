package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NexLiR/Messanger/pkg/protocol"
)

// Operation handles one client opcode. Execute reads the frame's fields from r
// itself, so the read loop never needs to know their count.
type Operation interface {
	Execute(ctx context.Context, sess *Session, r *protocol.Reader) error
}

// OperationFunc adapts a plain function to Operation
type OperationFunc func(ctx context.Context, sess *Session, r *protocol.Reader) error

func (f OperationFunc) Execute(ctx context.Context, sess *Session, r *protocol.Reader) error {
	return f(ctx, sess, r)
}

// Dispatcher maps opcodes to operations. It is safe for concurrent lookups;
// registration normally happens once before serving.
type Dispatcher struct {
	mu  sync.RWMutex
	ops map[protocol.Opcode]Operation
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{ops: make(map[protocol.Opcode]Operation)}
}

// Register binds op to operation, replacing any earlier binding
func (d *Dispatcher) Register(op protocol.Opcode, operation Operation) {
	if operation == nil {
		panic(fmt.Sprintf("dispatcher: nil operation for %s", op))
	}
	d.mu.Lock()
	d.ops[op] = operation
	d.mu.Unlock()
}

// Lookup returns the operation for op or an *UnknownOpcodeError
func (d *Dispatcher) Lookup(op protocol.Opcode) (Operation, error) {
	d.mu.RLock()
	operation, ok := d.ops[op]
	d.mu.RUnlock()
	if !ok {
		return nil, &UnknownOpcodeError{Opcode: op}
	}
	return operation, nil
}

// Opcodes lists the registered opcodes in ascending order
func (d *Dispatcher) Opcodes() []protocol.Opcode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ops := make([]protocol.Opcode, 0, len(d.ops))
	for op := range d.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
