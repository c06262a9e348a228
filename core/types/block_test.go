package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func testHeader(number int64) *Header {
	baseFee := big.NewInt(7)
	return &Header{
		ParentHash: common.HexToHash("0x01"),
		Coinbase:   common.HexToAddress("0xc0ffee"),
		Root:       common.HexToHash("0x02"),
		Difficulty: big.NewInt(0),
		Number:     big.NewInt(number),
		GasLimit:   30_000_000,
		Time:       1000 + uint64(number),
		Extra:      []byte("pipe"),
		BaseFee:    baseFee,
	}
}

func TestHeaderHashIsPureFunctionOfFields(t *testing.T) {
	h1 := testHeader(5)
	h2 := testHeader(5)
	require.Equal(t, h1.Hash(), h2.Hash())

	h2.GasUsed = 1
	require.NotEqual(t, h1.Hash(), h2.Hash())

	// Author is not part of the consensus encoding.
	h3 := testHeader(5)
	h3.Author = common.HexToAddress("0xa11ce")
	require.Equal(t, h1.Hash(), h3.Hash())
	require.Equal(t, h3.Author, h3.Beneficiary())
	require.Equal(t, h1.Coinbase, h1.Beneficiary())
}

func TestWithReplacedHeaderLeavesOriginalUntouched(t *testing.T) {
	b := NewBlock(testHeader(3), &Body{}, nil)
	before := b.Hash()

	h := b.Header()
	h.GasUsed = 21000
	nb := b.WithReplacedHeader(h)

	require.Equal(t, before, b.Hash())
	require.Equal(t, uint64(0), b.GasUsed())
	require.Equal(t, uint64(21000), nb.GasUsed())
	require.NotEqual(t, b.Hash(), nb.Hash())
}

func TestHeaderAccessorReturnsCopy(t *testing.T) {
	b := NewBlockWithHeader(testHeader(1))
	h := b.Header()
	h.Number.SetInt64(99)
	h.Extra[0] = 'X'
	require.Equal(t, uint64(1), b.NumberU64())
	require.Equal(t, []byte("pipe"), b.Extra())
}

func TestNewBlockDerivesRoots(t *testing.T) {
	b := NewBlock(testHeader(1), &Body{Withdrawals: []*Withdrawal{}}, nil)
	require.Equal(t, EmptyRootHash, b.TxHash())
	require.Equal(t, EmptyRootHash, b.ReceiptHash())
	require.Equal(t, EmptyUncleHash, b.UncleHash())
	require.NotNil(t, b.Header().WithdrawalsHash)
	require.Equal(t, EmptyRootHash, *b.Header().WithdrawalsHash)
}

func TestBlockRLPRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(big.NewInt(1337))
	to := common.HexToAddress("0xbeef")
	tx := MustSignNewTx(key, signer, &TxData{Nonce: 0, GasPrice: big.NewInt(10), Gas: 21000, To: &to, Value: big.NewInt(1)})

	blk := NewBlock(testHeader(9), &Body{
		Transactions: []*Transaction{tx},
		Withdrawals:  []*Withdrawal{{Index: 1, Validator: 2, Address: to, Amount: 3}},
	}, []*Receipt{NewReceipt(nil, false, 21000)})

	enc, err := rlp.EncodeToBytes(blk)
	require.NoError(t, err)

	var dec Block
	require.NoError(t, rlp.DecodeBytes(enc, &dec))
	require.Equal(t, blk.Hash(), dec.Hash())
	require.Len(t, dec.Transactions(), 1)
	require.Equal(t, tx.Hash(), dec.Transactions()[0].Hash())
	require.Len(t, dec.Withdrawals(), 1)
	require.Equal(t, uint64(3), dec.Withdrawals()[0].Amount)
}

func TestSignerRecoversSender(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(big.NewInt(1))
	tx := MustSignNewTx(key, signer, &TxData{Nonce: 4, GasPrice: big.NewInt(1), Gas: 21000, Value: big.NewInt(0)})

	from, err := signer.Sender(tx)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)

	_, err = NewSigner(big.NewInt(2)).Sender(tx)
	require.ErrorIs(t, err, ErrChainIDMismatch)

	unsigned := NewTx(&TxData{ChainID: big.NewInt(1), GasPrice: big.NewInt(1), Gas: 21000})
	_, err = signer.Sender(unsigned)
	require.ErrorIs(t, err, ErrInvalidSig)
}

func TestBloom(t *testing.T) {
	addr := common.HexToAddress("0x1234")
	topic := crypto.Keccak256Hash([]byte("Transfer"))
	bloom := LogsBloom([]*Log{{Address: addr, Topics: []common.Hash{topic}}})
	require.True(t, bloom.Test(addr.Bytes()))
	require.True(t, bloom.Test(topic.Bytes()))
	require.False(t, bloom.Test(common.HexToAddress("0x9999").Bytes()))

	r1 := &Receipt{Bloom: bloom}
	r2 := &Receipt{}
	require.Equal(t, bloom, CreateBloom([]*Receipt{r1, r2}))
}

func TestReceiptStorageRoundTrip(t *testing.T) {
	logs := []*Log{{Address: common.HexToAddress("0x01"), Topics: []common.Hash{{1}}, Data: []byte{9}}}
	r := NewReceipt(nil, false, 50000)
	r.Logs = logs
	r.Bloom = LogsBloom(logs)

	enc, err := rlp.EncodeToBytes((*ReceiptForStorage)(r))
	require.NoError(t, err)
	var dec ReceiptForStorage
	require.NoError(t, rlp.DecodeBytes(enc, &dec))
	require.Equal(t, r.Status, dec.Status)
	require.Equal(t, r.Bloom, dec.Bloom)
	require.Equal(t, uint64(50000), dec.CumulativeGasUsed)

	failed := NewReceipt(nil, true, 1)
	enc, err = rlp.EncodeToBytes(failed)
	require.NoError(t, err)
	var decFailed Receipt
	require.NoError(t, rlp.DecodeBytes(enc, &decFailed))
	require.Equal(t, ReceiptStatusFailed, decFailed.Status)
}

func TestRequestsHashOfEmptyLists(t *testing.T) {
	reqs := Requests{{DepositRequestType}, {WithdrawalRequestType}, {ConsolidationRequestType}}
	require.Equal(t, EmptyRequestsHash, reqs.Hash())
}
