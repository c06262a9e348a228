package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/multierr"

	"github.com/eth2030/blockpipe/core"
	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
	"github.com/eth2030/blockpipe/params"
	"github.com/eth2030/blockpipe/txpool"
)

var (
	ErrNodeRunning = errors.New("node already running")
	ErrNodeStopped = errors.New("node not running")
)

// Node owns the database and the processing pipeline built on it.
type Node struct {
	config *Config
	chain  *params.ChainConfig
	log    *log.Logger

	db        rawdb.Database
	stateDB   *state.Database
	states    *state.Manager
	tree      *core.BlockTree
	genesis   *types.Block
	receipts  *core.PersistentReceiptStorage
	processor *core.BlockchainProcessor
	fork      *core.ForkChoice
	fixer     *core.StartupFixer
	producers *core.BlockProducerEnvFactory
	builders  *core.BuilderValidator
	txpool    *txpool.TxPool
	exporter  *metrics.Exporter
	metrics   *metrics.Metrics
	lifecycle *LifecycleManager

	mu      sync.Mutex
	running bool
}

// New opens the database and assembles the pipeline. Nothing runs until
// Start.
func New(config *Config, logger *log.Logger) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n := &Node{
		config:    config,
		log:       logger.Module("node"),
		metrics:   metrics.NopMetrics(),
		lifecycle: NewLifecycleManager(logger),
	}

	genesis := core.DevGenesis(config.ChainConfig())
	if config.GenesisFile != "" {
		g, err := core.LoadGenesis(config.ResolvePath(config.GenesisFile))
		if err != nil {
			return nil, err
		}
		genesis = g
	}
	n.chain = genesis.Config

	if config.Metrics.Enabled {
		n.exporter = metrics.NewExporter(metrics.ExporterConfig{
			ListenAddr:    config.Metrics.Addr,
			EnableRuntime: config.Metrics.Runtime,
		}, logger)
		n.metrics = metrics.PrometheusMetrics(n.exporter.Registry(), config.Metrics.Namespace, "chain_id", fmt.Sprint(n.chain.ChainID))
	}

	db, err := rawdb.Open(rawdb.OpenConfig{
		Engine:  rawdb.Engine(config.DB.Engine),
		Path:    config.ResolvePath("chaindata"),
		CacheMB: config.DB.CacheMB,
		Handles: config.DB.Handles,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db
	if err := n.assemble(genesis, logger); err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return n, nil
}

func (n *Node) assemble(genesis *core.Genesis, logger *log.Logger) error {
	cfg := n.config
	n.stateDB = state.NewDatabase(n.db, state.DatabaseConfig{
		Persist:   rawdb.Engine(cfg.DB.Engine) != rawdb.EngineMemory,
		CacheSize: cfg.Processing.StateCacheSize,
		Pruning:   state.KeepLastN{Depth: cfg.Processing.KeepLastN},
	}, n.metrics, logger)

	block, err := genesis.Commit(n.stateDB)
	if err != nil {
		return err
	}
	if err := core.CheckStored(n.db, block); err != nil {
		return err
	}
	n.genesis = block

	if n.tree, err = core.NewBlockTree(n.db, n.metrics, logger); err != nil {
		return fmt.Errorf("load block tree: %w", err)
	}
	root := block.Root()
	if head := n.tree.Head(); head != nil {
		root = head.Root()
	}
	if n.states, err = state.NewManager(n.stateDB, root); err != nil {
		return fmt.Errorf("open head state %x: %w", root, err)
	}
	if cfg.SyncPivot > 0 {
		if err := rawdb.WriteSyncPivot(n.db, cfg.SyncPivot); err != nil {
			return err
		}
	}

	procCfg := core.BlockProcessorConfig{
		ChainConfig: n.chain,
		Production: core.ProductionConfig{
			MaxTxKilobytes: cfg.Production.MaxTxKilobytes,
			Timeout:        cfg.Production.Timeout,
		},
	}
	processor := core.NewBlockProcessor(procCfg, n.states.GlobalWorldState(), n.tree, logger)
	n.receipts = core.NewReceiptStorage(n.db, processor.Signer())
	var prewarmer *state.Prewarmer
	if cfg.Processing.PrewarmWorkers > 0 {
		prewarmer = state.NewPrewarmer(n.stateDB, cfg.Processing.PrewarmWorkers, logger)
	}
	branch := core.NewBranchProcessor(processor, n.receipts, prewarmer, logger)
	n.processor = core.NewBlockchainProcessor(core.BlockchainProcessorConfig{
		RecoveryQueueSize:   cfg.Processing.RecoveryQueueSize,
		ProcessingQueueSize: cfg.Processing.ProcessingQueueSize,
		RecoveryWorkers:     cfg.Processing.RecoveryWorkers,
		StoreReceipts:       cfg.Processing.StoreReceipts,
		BadBlockCacheSize:   cfg.Processing.BadBlockCacheSize,
	}, n.chain, n.tree, branch, nil, n.metrics, logger)

	poolState := n.states.CreateResettableWorldState()
	if err := poolState.ResetTo(root); err != nil {
		return err
	}
	n.txpool = txpool.New(txpool.DefaultConfig(), processor.Signer(), poolState, logger)

	n.fork = core.NewForkChoice(n.tree, n.metrics, logger)
	n.fixer = core.NewStartupFixer(n.tree, n.processor, n.states, cfg.Processing.FixerHighWater, logger)
	n.producers = &core.BlockProducerEnvFactory{
		Chain:     n.chain,
		Tree:      n.tree,
		States:    n.states,
		TxSource:  n.txpool,
		Processor: procCfg,
		Logger:    logger,
	}
	n.builders = core.NewBuilderValidator(n.chain, n.tree, n.states, procCfg, logger)

	if n.exporter != nil {
		exporter := n.exporter
		if err := n.lifecycle.Register(&serviceFuncs{
			name:  "metrics",
			start: func(context.Context) error { return exporter.Start() },
			stop:  exporter.Stop,
		}, 0); err != nil {
			return err
		}
	}
	if err := n.lifecycle.Register(&serviceFuncs{
		name: "blockchain-processor",
		start: func(ctx context.Context) error {
			n.processor.Start(ctx)
			return nil
		},
		stop: n.processor.Stop,
	}, 1); err != nil {
		return err
	}
	return n.lifecycle.Register(&poolUpdater{node: n}, 2)
}

// poolUpdater resets the transaction pool to the state of every new head.
type poolUpdater struct {
	node *Node
	quit chan struct{}
	done chan struct{}
}

func (u *poolUpdater) Name() string { return "txpool" }

func (u *poolUpdater) Start(context.Context) error {
	heads := make(chan core.NewHeadBlockEvent, 16)
	sub := u.node.tree.SubscribeNewHead(heads)
	u.quit, u.done = make(chan struct{}), make(chan struct{})
	go func() {
		defer close(u.done)
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-heads:
				ws := u.node.states.CreateResettableWorldState()
				if err := ws.ResetTo(ev.Block.Root()); err != nil {
					u.node.log.Warn("Head state unavailable for txpool", "number", ev.Block.NumberU64(), "err", err)
					continue
				}
				u.node.txpool.Reset(ws)
			case <-sub.Err():
				return
			case <-u.quit:
				return
			}
		}
	}()
	return nil
}

func (u *poolUpdater) Stop(ctx context.Context) error {
	close(u.quit)
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the services, accepts the genesis block on a fresh
// database and runs the startup fixer to completion. ctx bounds the
// lifetime of the processing loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrNodeRunning
	}
	n.log.Info("Starting node", "chainID", n.chain.ChainID, "genesis", n.genesis.Hash(), "engine", n.config.DB.Engine)

	if err := n.lifecycle.StartAll(ctx); err != nil {
		return err
	}
	n.running = true

	if n.tree.Head() == nil {
		if _, err := n.processor.Process(ctx, n.genesis, core.NoOptions, nil); err != nil {
			return fmt.Errorf("process genesis: %w", err)
		}
	}
	res, err := n.fixer.Fix(ctx)
	if err != nil {
		return fmt.Errorf("startup fixer: %w", err)
	}
	n.log.Info("Node started",
		"head", n.tree.Head().NumberU64(),
		"bestKnown", n.tree.BestKnownNumber(),
		"resuggested", res.Suggested,
	)
	return nil
}

// Close stops the services and closes the database. Errors from every
// step are combined.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs error
	if n.running {
		errs = multierr.Append(errs, n.lifecycle.StopAll(ctx))
		n.running = false
	}
	errs = multierr.Append(errs, n.db.Close())
	if errs == nil {
		n.log.Info("Node stopped")
	}
	return errs
}

// Running reports whether Start succeeded and Close was not called yet.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// ImportResult summarizes an import.
type ImportResult struct {
	Read int
	Head *types.Block
}

// Import reads RLP-encoded blocks from r, queues them in order and waits
// until the queue drains.
func (n *Node) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	if !n.Running() {
		return res, ErrNodeStopped
	}
	stream := rlp.NewStream(r, 0)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		block := new(types.Block)
		if err := stream.Decode(block); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("decode block %d: %w", res.Read, err)
		}
		if err := n.processor.Suggest(block, core.NoOptions); err != nil {
			return res, fmt.Errorf("suggest block %d: %w", block.NumberU64(), err)
		}
		res.Read++
	}
	if err := n.WaitIdle(ctx); err != nil {
		return res, err
	}
	res.Head = n.tree.Head()
	n.log.Info("Import done", "blocks", res.Read, "head", res.Head.NumberU64())
	return res, nil
}

// Export writes the canonical blocks from..to, inclusive, RLP-encoded.
func (n *Node) Export(w io.Writer, from, to uint64) (int, error) {
	written := 0
	for number := from; number <= to; number++ {
		block := n.tree.FindBlockByNumber(number)
		if block == nil {
			break
		}
		if err := rlp.Encode(w, block); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// WaitIdle blocks until no block is queued.
func (n *Node) WaitIdle(ctx context.Context) error {
	ch := make(chan core.QueueEmptyEvent, 4)
	sub := n.processor.SubscribeQueueEmpty(ch)
	defer sub.Unsubscribe()
	for n.processor.QueueCount() > 0 {
		select {
		case <-ch:
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Fix runs the startup fixer again.
func (n *Node) Fix(ctx context.Context) (core.FixResult, error) {
	if !n.Running() {
		return core.FixResult{}, ErrNodeStopped
	}
	return n.fixer.Fix(ctx)
}

func (n *Node) Config() *Config                          { return n.config }
func (n *Node) ChainConfig() *params.ChainConfig         { return n.chain }
func (n *Node) Database() rawdb.Database                 { return n.db }
func (n *Node) BlockTree() *core.BlockTree               { return n.tree }
func (n *Node) States() *state.Manager                   { return n.states }
func (n *Node) Processor() *core.BlockchainProcessor     { return n.processor }
func (n *Node) ForkChoice() *core.ForkChoice             { return n.fork }
func (n *Node) Receipts() *core.PersistentReceiptStorage { return n.receipts }
func (n *Node) Producers() *core.BlockProducerEnvFactory { return n.producers }
func (n *Node) BuilderValidator() *core.BuilderValidator { return n.builders }
func (n *Node) TxPool() *txpool.TxPool                   { return n.txpool }
func (n *Node) Genesis() *types.Block                    { return n.genesis }
func (n *Node) Metrics() *metrics.Metrics                { return n.metrics }
