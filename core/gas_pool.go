package core

import "fmt"

// GasPool tracks the gas still available to the transactions of a block.
type GasPool uint64

// NewGasPool returns a pool holding the block gas limit.
func NewGasPool(limit uint64) *GasPool {
	gp := GasPool(limit)
	return &gp
}

// AddGas returns unused gas to the pool.
func (gp *GasPool) AddGas(amount uint64) *GasPool {
	*gp += GasPool(amount)
	return gp
}

// SubGas reserves amount, failing with ErrGasLimitExceeded when the pool is
// too small. The pool is unchanged on failure.
func (gp *GasPool) SubGas(amount uint64) error {
	if uint64(*gp) < amount {
		return fmt.Errorf("%w: have %d, want %d", ErrGasLimitExceeded, uint64(*gp), amount)
	}
	*gp -= GasPool(amount)
	return nil
}

// Gas returns the gas left in the pool.
func (gp *GasPool) Gas() uint64 {
	return uint64(*gp)
}
