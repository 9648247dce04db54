package domain

// ScheduledDataAddress is the user address carried by submissions that were
// scheduled by the runtime rather than sent by a user.
const ScheduledDataAddress = "0x0"

// GameInteractionEvent is the contract event that carries user submissions.
const GameInteractionEvent = "PaimaGameInteraction"

// ChainData is one block's contribution to the feed.
type ChainData struct {
	BlockNumber   uint64               `json:"block_number"`
	BlockHash     string               `json:"block_hash"`
	Timestamp     uint64               `json:"timestamp"`
	SubmittedData []SubmittedChainData `json:"submitted_data"`
}

// SubmittedChainData is a single submission extracted from a block.
type SubmittedChainData struct {
	UserAddress string `json:"user_address"`
	InputData   string `json:"input_data"`
	InputNonce  string `json:"input_nonce"`
}

// Scheduled reports whether the submission was created by the scheduler.
func (s SubmittedChainData) Scheduled() bool {
	return s.UserAddress == ScheduledDataAddress
}
