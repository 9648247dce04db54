package application

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransientFetch       = errors.New("transient fetch failure")
	ErrFetchTimeout         = errors.New("block fetch timed out")
	ErrDecode               = errors.New("submission decode failure")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInternalInvariant    = errors.New("internal invariant violation")
)

// BlockError attaches the block number and failure kind to an error raised
// while fetching a single block.
type BlockError struct {
	BlockNumber uint64
	Kind        error
	Err         error
}

func (e *BlockError) Error() string {
	if e.Err == nil || errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("block %d: %v", e.BlockNumber, e.Kind)
	}
	return fmt.Sprintf("block %d: %v: %v", e.BlockNumber, e.Kind, e.Err)
}

func (e *BlockError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorKind returns a short label for err, suitable for logs and metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFetchTimeout):
		return "timeout"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_config"
	case errors.Is(err, ErrInternalInvariant):
		return "internal"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transient"
	}
}
