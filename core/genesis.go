package core

import (
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

var (
	ErrGenesisNoConfig = errors.New("genesis has no chain config")
	ErrGenesisMismatch = errors.New("stored genesis does not match")
)

// GenesisAccount is an account in the genesis allocation.
type GenesisAccount struct {
	Balance *big.Int                    `yaml:"balance" json:"balance"`
	Nonce   uint64                      `yaml:"nonce" json:"nonce"`
	Code    hexutil.Bytes               `yaml:"code" json:"code"`
	Storage map[common.Hash]common.Hash `yaml:"storage" json:"storage"`
}

// GenesisAlloc maps pre-funded addresses to their accounts.
type GenesisAlloc map[common.Address]GenesisAccount

// Genesis describes block zero and the state it starts from.
type Genesis struct {
	Config     *params.ChainConfig `yaml:"config" json:"config"`
	Nonce      uint64              `yaml:"nonce" json:"nonce"`
	Timestamp  uint64              `yaml:"timestamp" json:"timestamp"`
	ExtraData  hexutil.Bytes       `yaml:"extraData" json:"extraData"`
	GasLimit   uint64              `yaml:"gasLimit" json:"gasLimit"`
	Difficulty *big.Int            `yaml:"difficulty" json:"difficulty"`
	MixHash    common.Hash         `yaml:"mixHash" json:"mixHash"`
	Coinbase   common.Address      `yaml:"coinbase" json:"coinbase"`
	BaseFee    *big.Int            `yaml:"baseFeePerGas" json:"baseFeePerGas"`
	Alloc      GenesisAlloc        `yaml:"alloc" json:"alloc"`
}

// LoadGenesis reads a genesis file. YAML and JSON are both accepted.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	if g.Config == nil {
		return nil, ErrGenesisNoConfig
	}
	if err := g.Config.CheckConfigForkOrder(); err != nil {
		return nil, err
	}
	return &g, nil
}

// ToBlock builds the genesis block with the given state root.
func (g *Genesis) ToBlock(root common.Hash) *types.Block {
	head := &types.Header{
		Root:       root,
		Difficulty: new(big.Int),
		Number:     new(big.Int),
		GasLimit:   g.GasLimit,
		Time:       g.Timestamp,
		Extra:      common.CopyBytes(g.ExtraData),
		MixDigest:  g.MixHash,
		Coinbase:   g.Coinbase,
		Nonce:      types.EncodeNonce(g.Nonce),
	}
	if g.Difficulty != nil {
		head.Difficulty.Set(g.Difficulty)
	}
	if head.GasLimit == 0 {
		head.GasLimit = params.GenesisGasLimit
	}

	spec := g.Config.SpecForBlock(0, g.Timestamp)
	if spec.IsLondon {
		head.BaseFee = big.NewInt(params.InitialBaseFee)
		if g.BaseFee != nil {
			head.BaseFee.Set(g.BaseFee)
		}
	}
	body := &types.Body{}
	if spec.IsShanghai {
		body.Withdrawals = []*types.Withdrawal{}
	}
	if spec.IsCancun {
		var zero uint64
		head.BlobGasUsed, head.ExcessBlobGas = &zero, new(uint64)
		head.ParentBeaconRoot = new(common.Hash)
	}
	if spec.IsPrague {
		h := types.EmptyRequestsHash
		head.RequestsHash = &h
	}
	return types.NewBlock(head, body, nil)
}

// Commit writes the allocation into sdb as the state of block zero and
// returns the genesis block. The block itself is stored when it is
// suggested to the block tree.
func (g *Genesis) Commit(sdb *state.Database) (*types.Block, error) {
	if g.Config == nil {
		return nil, ErrGenesisNoConfig
	}
	ws, err := state.New(types.EmptyRootHash, sdb)
	if err != nil {
		return nil, err
	}
	for addr, account := range g.Alloc {
		ws.CreateAccount(addr)
		if account.Balance != nil {
			balance, overflow := uint256.FromBig(account.Balance)
			if overflow {
				return nil, fmt.Errorf("genesis balance of %x overflows", addr)
			}
			ws.SetBalance(addr, balance)
		}
		if account.Nonce > 0 {
			ws.SetNonce(addr, account.Nonce)
		}
		if len(account.Code) > 0 {
			ws.SetCode(addr, account.Code)
		}
		for key, val := range account.Storage {
			ws.SetState(addr, key, val)
		}
	}
	if err := ws.CommitTree(0); err != nil {
		return nil, fmt.Errorf("commit genesis state: %w", err)
	}
	return g.ToBlock(ws.StateRoot()), nil
}

// CheckStored compares block against the genesis already recorded in db,
// if any.
func CheckStored(db rawdb.KeyValueReader, block *types.Block) error {
	stored, err := rawdb.ReadCanonicalHash(db, 0)
	if errors.Is(err, rawdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if stored != block.Hash() {
		return fmt.Errorf("%w: have %x, want %x", ErrGenesisMismatch, stored, block.Hash())
	}
	return nil
}

// DevGenesis returns a genesis funding addrs, used by the
// dev chain and tests.
func DevGenesis(config *params.ChainConfig, addrs ...common.Address) *Genesis {
	alloc := make(GenesisAlloc, len(addrs))
	funds := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))
	for _, addr := range addrs {
		alloc[addr] = GenesisAccount{Balance: new(big.Int).Set(funds)}
	}
	difficulty := big.NewInt(1)
	if config.IsMerge(0) {
		difficulty.SetUint64(0)
	}
	return &Genesis{
		Config:     config,
		GasLimit:   params.GenesisGasLimit,
		Difficulty: difficulty,
		ExtraData:  []byte("blockpipe dev"),
		Alloc:      alloc,
	}
}
