package domain

// RawEvent is a game interaction log as returned by the ledger.
type RawEvent struct {
	Address     string
	UserAddress string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	// Payload is 0x-prefixed hex; empty or "0x" means no submission.
	Payload string
}
