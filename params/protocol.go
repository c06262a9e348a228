package params

import "github.com/ethereum/go-ethereum/common"

// Gas schedule used by the reference transaction processor.
const (
	TxGas                 uint64 = 21000
	TxGasContractCreation uint64 = 53000
	TxDataZeroGas         uint64 = 4
	TxDataNonZeroGas      uint64 = 16
	SstoreSetGas          uint64 = 20000
	LogGas                uint64 = 375
	LogTopicGas           uint64 = 375
	LogDataGas            uint64 = 8

	// SystemCallGas is the gas limit granted to system contract calls.
	SystemCallGas uint64 = 30_000_000

	// MaximumExtraDataSize bounds the header extra field.
	MaximumExtraDataSize = 32

	GasLimitBoundDivisor uint64 = 1024
	MinGasLimit          uint64 = 5000

	// HistoryServeWindow is the EIP-2935 ring buffer length.
	HistoryServeWindow uint64 = 8191
	// BeaconRootsBufferLength is the EIP-4788 ring buffer length.
	BeaconRootsBufferLength uint64 = 8191

	// BlockhashWindow is the number of ancestors visible to BLOCKHASH.
	BlockhashWindow uint64 = 256

	GWei = 1_000_000_000
)

// System contract addresses.
var (
	SystemAddress             = common.HexToAddress("0xfffffffffffffffffffffffffffffffffffffffe")
	BeaconRootsAddress        = common.HexToAddress("0x000F3df6D732807Ef1319fB7B8bB8522d0Beac02")
	HistoryStorageAddress     = common.HexToAddress("0x0000F90827F1C53a10cb7A02335B175320002935")
	WithdrawalQueueAddress    = common.HexToAddress("0x00000961Ef480Eb55e80D19ad83579A64c007002")
	ConsolidationQueueAddress = common.HexToAddress("0x0000BBdDc7CE488642fb579F8B00f3a590007251")
)

const (
	// GenesisGasLimit is used when a genesis file leaves the gas limit out.
	GenesisGasLimit uint64 = 30_000_000
	// InitialBaseFee is the base fee of the first London block.
	InitialBaseFee = GWei
)
