package core

import "strings"

// ProcessingOptions controls how a block or branch is processed.
type ProcessingOptions uint32

const (
	// ForceProcessing processes the block even if it does not improve the
	// head, and skips positioning the world state.
	ForceProcessing ProcessingOptions = 1 << iota
	// StoreReceipts persists receipts after successful processing.
	StoreReceipts
	// ReadOnlyChain processes without touching the block tree.
	ReadOnlyChain
	// NoValidation skips pre-execution structural checks.
	NoValidation
	// DoNotUpdateHead keeps the canonical head where it is.
	DoNotUpdateHead
	// IgnoreParentNotOnMainChain allows processing on top of a parent that
	// is not canonical.
	IgnoreParentNotOnMainChain
	// ProducingBlock selects the production variant: header roots are set
	// from computed values and failing transactions are skipped.
	ProducingBlock

	NoOptions ProcessingOptions = 0

	// Trace processes a known block again without side effects.
	Trace = ForceProcessing | ReadOnlyChain | DoNotUpdateHead | NoValidation
	// ProducerOptions is used when filling a new block.
	ProducerOptions = ForceProcessing | ReadOnlyChain | DoNotUpdateHead | ProducingBlock | IgnoreParentNotOnMainChain
)

// Has reports whether every flag in f is set.
func (o ProcessingOptions) Has(f ProcessingOptions) bool { return o&f == f }

var optionNames = []struct {
	flag ProcessingOptions
	name string
}{
	{ForceProcessing, "force"},
	{StoreReceipts, "store-receipts"},
	{ReadOnlyChain, "read-only"},
	{NoValidation, "no-validation"},
	{DoNotUpdateHead, "keep-head"},
	{IgnoreParentNotOnMainChain, "ignore-parent"},
	{ProducingBlock, "producing"},
}

func (o ProcessingOptions) String() string {
	if o == NoOptions {
		return "none"
	}
	var parts []string
	for _, n := range optionNames {
		if o.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
