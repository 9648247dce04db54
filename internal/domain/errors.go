package domain

import "errors"

// ErrBlockNotFound is returned by ledger clients when the node does not know
// the requested block yet.
var ErrBlockNotFound = errors.New("block not found")
