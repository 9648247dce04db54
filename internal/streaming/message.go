package streaming

import (
	"encoding/json"
	"errors"

	"chainfunnel/internal/domain"
)

type MessageType string

const (
	MessageTypeChainData MessageType = "chain_data"
	MessageTypeReorg     MessageType = "reorg"
)

type Submission struct {
	UserAddress string `json:"user_address"`
	InputData   string `json:"input_data"`
	InputNonce  string `json:"input_nonce,omitempty"`
}

type Message struct {
	Type        MessageType  `json:"type"`
	ChainID     uint64       `json:"chain_id"`
	TraceID     string       `json:"trace_id,omitempty"`
	BlockNumber uint64       `json:"block_number,omitempty"`
	BlockHash   string       `json:"block_hash,omitempty"`
	Timestamp   uint64       `json:"timestamp,omitempty"`
	Submissions []Submission `json:"submissions,omitempty"`
	FromBlock   uint64       `json:"from_block,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

func FromChainData(chainID uint64, block domain.ChainData) Message {
	submissions := make([]Submission, 0, len(block.SubmittedData))
	for _, s := range block.SubmittedData {
		submissions = append(submissions, Submission{
			UserAddress: s.UserAddress,
			InputData:   s.InputData,
			InputNonce:  s.InputNonce,
		})
	}
	return Message{
		Type:        MessageTypeChainData,
		ChainID:     chainID,
		BlockNumber: block.BlockNumber,
		BlockHash:   block.BlockHash,
		Timestamp:   block.Timestamp,
		Submissions: submissions,
	}
}

func (m Message) ChainData() domain.ChainData {
	submitted := make([]domain.SubmittedChainData, 0, len(m.Submissions))
	for _, s := range m.Submissions {
		submitted = append(submitted, domain.SubmittedChainData{
			UserAddress: s.UserAddress,
			InputData:   s.InputData,
			InputNonce:  s.InputNonce,
		})
	}
	return domain.ChainData{
		BlockNumber:   m.BlockNumber,
		BlockHash:     m.BlockHash,
		Timestamp:     m.Timestamp,
		SubmittedData: submitted,
	}
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.ChainID == 0 {
		return nil, errors.New("chain_id is required")
	}
	if msg.Type == MessageTypeChainData && msg.BlockHash == "" {
		return nil, errors.New("block_hash is required for chain data")
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is missing")
	}
	if msg.ChainID == 0 {
		return Message{}, errors.New("chain_id is missing")
	}
	return msg, nil
}
