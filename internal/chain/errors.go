// Package chain maintains the header tree and the best chain by cumulative
// work.
//
// Headers live in an arena keyed by hash and refer to their parent by hash
// only. The best chain is a height-indexed slice of hashes. Submitting
// headers plans a Transition of log entries without touching the view;
// the entries are applied after they are durable.
package chain

import "github.com/Klingon-tech/klingnet-spv/internal/errs"

var (
	ErrInvalidLinkage     = errs.New(errs.Validation, "header does not connect to a known header")
	ErrInvalidProofOfWork = errs.New(errs.Validation, "invalid proof of work")
	ErrReorgTooDeep       = errs.New(errs.Validation, "reorg too deep")
	ErrRejectedHeader     = errs.New(errs.Validation, "header previously rejected")
	ErrInconsistentEntry  = errs.New(errs.Resource, "log entry does not fit the header tree")
)

// MaxReorgDepth is the default limit on headers reverted by one reorg.
const MaxReorgDepth = 1000

// DefaultFinalityDepth is the default number of headers, counting the
// containing one, after which a height is final.
const DefaultFinalityDepth = 6
