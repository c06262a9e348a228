package types

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// BloomByteLength is the number of bytes in a logs bloom.
const BloomByteLength = 256

// Bloom is a 2048-bit logs bloom filter.
type Bloom [BloomByteLength]byte

// bloom9 returns the three bit positions for data: the first six bytes of
// keccak256(data) read as three big-endian uint16 values mod 2048.
func bloom9(data []byte) [3]uint {
	d := sha3.NewLegacyKeccak256()
	d.Write(data)
	h := d.Sum(nil)
	var bits [3]uint
	for i := 0; i < 3; i++ {
		bits[i] = uint(binary.BigEndian.Uint16(h[2*i:])) & 0x7FF
	}
	return bits
}

// Add sets the bloom bits derived from data.
func (b *Bloom) Add(data []byte) {
	for _, bit := range bloom9(data) {
		b[BloomByteLength-1-bit/8] |= 1 << (bit % 8)
	}
}

// Test reports whether all bits for data are set.
func (b Bloom) Test(data []byte) bool {
	for _, bit := range bloom9(data) {
		if b[BloomByteLength-1-bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Or merges other into b.
func (b *Bloom) Or(other Bloom) {
	for i := range b {
		b[i] |= other[i]
	}
}

// Bytes returns the bloom as a byte slice.
func (b Bloom) Bytes() []byte { return b[:] }

// MarshalText encodes b as 0x-prefixed hex.
func (b Bloom) MarshalText() ([]byte, error) {
	return hexutil.Bytes(b[:]).MarshalText()
}

// UnmarshalText decodes 0x-prefixed hex.
func (b *Bloom) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Bloom", input, b[:])
}

// LogsBloom computes the bloom of a set of logs over addresses and topics.
func LogsBloom(logs []*Log) Bloom {
	var bloom Bloom
	for _, l := range logs {
		bloom.Add(l.Address.Bytes())
		for _, topic := range l.Topics {
			bloom.Add(topic.Bytes())
		}
	}
	return bloom
}

// CreateBloom ORs the blooms of all receipts.
func CreateBloom(receipts []*Receipt) Bloom {
	var bloom Bloom
	for _, r := range receipts {
		bloom.Or(r.Bloom)
	}
	return bloom
}
