package domain

// BlockHeader holds the block metadata the funnel needs.
type BlockHeader struct {
	Number    uint64
	Hash      string
	Timestamp uint64
}
