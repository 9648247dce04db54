package submission

import (
	"context"
	"strings"

	"chainfunnel/internal/domain"
)

// Decoder maps one event payload to the submissions it carries. Batched
// payloads are passed through unsplit; the state machine owns their grammar.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(ctx context.Context, userAddress, payload string, blockNumber uint64) ([]domain.SubmittedChainData, error) {
	if payload == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []domain.SubmittedChainData{{
		UserAddress: strings.ToLower(userAddress),
		InputData:   payload,
		InputNonce:  "",
	}}, nil
}
