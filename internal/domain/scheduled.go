package domain

// ScheduledInput is game input queued for a future block height.
type ScheduledInput struct {
	BlockHeight uint64
	InputData   string
}
