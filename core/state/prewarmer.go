package state

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
)

// Prewarmer loads the accounts a block is about to touch into the state
// caches on a pool of workers. It never mutates state and its errors are
// ignored by callers.
type Prewarmer struct {
	db      *Database
	workers int
	log     *log.Logger
}

// NewPrewarmer creates a prewarmer with the given worker count.
func NewPrewarmer(db *Database, workers int, logger *log.Logger) *Prewarmer {
	if workers <= 0 {
		workers = 1
	}
	return &Prewarmer{db: db, workers: workers, log: logger.Module("prewarmer")}
}

// Warm recovers the senders of block's transactions and prefetches the
// sender and recipient accounts at parentRoot.
func (p *Prewarmer) Warm(ctx context.Context, parentRoot common.Hash, block *types.Block, signer types.Signer) error {
	txs := block.Transactions()
	if len(txs) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, tx := range txs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			set := make([]common.Address, 0, 2)
			if from, err := signer.Sender(tx); err == nil {
				set = append(set, from)
			}
			if to := tx.To(); to != nil {
				set = append(set, *to)
			}
			return p.db.Prefetch(parentRoot, set)
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Debug("prewarm aborted", "block", block.NumberU64(), "err", err)
		return err
	}
	p.log.Debug("prewarmed block", "block", block.NumberU64(), "txs", len(txs))
	return nil
}
