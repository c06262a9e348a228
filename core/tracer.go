package core

import (
	"context"
	"sync/atomic"

	"github.com/eth2030/blockpipe/core/types"
)

// BlockTracer observes block processing. ShouldCancel is polled at every
// checkpoint: block start, before each transaction and after each system
// call. Returning true aborts processing with ErrCancelled.
type BlockTracer interface {
	StartBlock(block *types.Block)
	EndBlock(block *types.Block, receipts []*types.Receipt)
	StartTx(tx *types.Transaction, index int)
	EndTx(tx *types.Transaction, receipt *types.Receipt, err error)
	OnSystemCall(name string)
	ShouldCancel() bool
}

// NoopTracer ignores every event and never cancels.
type NoopTracer struct{}

func (NoopTracer) StartBlock(*types.Block)                         {}
func (NoopTracer) EndBlock(*types.Block, []*types.Receipt)         {}
func (NoopTracer) StartTx(*types.Transaction, int)                 {}
func (NoopTracer) EndTx(*types.Transaction, *types.Receipt, error) {}
func (NoopTracer) OnSystemCall(string)                             {}
func (NoopTracer) ShouldCancel() bool                              { return false }

// CancellationToken is a cooperative abort flag, optionally tied to a
// context. It is safe for concurrent use.
type CancellationToken struct {
	cancelled atomic.Bool
	ctx       context.Context
}

// NewCancellationToken returns a token that also reports cancelled once ctx
// is done. ctx may be nil.
func NewCancellationToken(ctx context.Context) *CancellationToken {
	return &CancellationToken{ctx: ctx}
}

// Cancel sets the flag.
func (t *CancellationToken) Cancel() { t.cancelled.Store(true) }

// IsCancelled reports whether Cancel was called or the context ended.
func (t *CancellationToken) IsCancelled() bool {
	if t == nil {
		return false
	}
	if t.cancelled.Load() {
		return true
	}
	return t.ctx != nil && t.ctx.Err() != nil
}

// CancellationTracer forwards events to an inner tracer and cancels when
// either the token or the inner tracer asks for it.
type CancellationTracer struct {
	BlockTracer
	token *CancellationToken
}

// NewCancellationTracer wraps inner. A nil inner is replaced with NoopTracer.
func NewCancellationTracer(inner BlockTracer, token *CancellationToken) *CancellationTracer {
	if inner == nil {
		inner = NoopTracer{}
	}
	return &CancellationTracer{BlockTracer: inner, token: token}
}

func (t *CancellationTracer) ShouldCancel() bool {
	return t.token.IsCancelled() || t.BlockTracer.ShouldCancel()
}

// AlwaysCancelTracer cancels at the first checkpoint.
type AlwaysCancelTracer struct{ NoopTracer }

func (AlwaysCancelTracer) ShouldCancel() bool { return true }

// checkCancel returns ErrCancelled when the tracer requests an abort.
func checkCancel(ctx context.Context, tracer BlockTracer) error {
	if tracer.ShouldCancel() {
		return ErrCancelled
	}
	if ctx != nil && ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}
