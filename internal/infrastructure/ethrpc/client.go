package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"chainfunnel/internal/application"
	"chainfunnel/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is a JSON-RPC ledger client scoped to one game contract. It is safe
// for concurrent use.
type Client struct {
	url        string
	httpClient *http.Client
	idCounter  uint64
	contract   string
	abi        abi.ABI
}

type Config struct {
	URL             string
	ContractAddress string
	Timeout         time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	if cfg.ContractAddress != "" {
		if err := ValidateContractAddress(cfg.ContractAddress); err != nil {
			return nil, err
		}
	}
	parsed, err := contractABI()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		contract:   strings.ToLower(cfg.ContractAddress),
		abi:        parsed,
	}, nil
}

// Connect creates a client and probes the node until it answers or the tries
// run out.
func Connect(ctx context.Context, cfg Config, wait time.Duration, tries int) (*Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := application.Retry(ctx, client.ClientVersion, wait, tries); err != nil {
		return nil, fmt.Errorf("error connecting to node at %s: %w", cfg.URL, err)
	}
	return client, nil
}

// ValidateContractAddress rejects anything that is not a 20 byte hex address.
func ValidateContractAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid contract address %q", address)
	}
	return nil
}

func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	var result string
	if err := c.call(ctx, "web3_clientVersion", []any{}, &result); err != nil {
		return "", err
	}
	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_chainId", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) BlockByNumber(ctx context.Context, blockNumber uint64) (domain.BlockHeader, error) {
	var result *rpcBlock
	if err := c.call(ctx, "eth_getBlockByNumber", []any{formatHexUint(blockNumber), false}, &result); err != nil {
		return domain.BlockHeader{}, err
	}
	if result == nil {
		return domain.BlockHeader{}, fmt.Errorf("%w: %d", domain.ErrBlockNotFound, blockNumber)
	}
	number, err := parseHexUint(result.Number)
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("block number: %w", err)
	}
	timestamp, err := parseHexUint(result.Timestamp)
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("block timestamp: %w", err)
	}
	return domain.BlockHeader{
		Number:    number,
		Hash:      strings.ToLower(result.Hash),
		Timestamp: timestamp,
	}, nil
}

// Events returns the contract's eventName logs in [fromBlock, toBlock] in
// ledger order. Removed logs are skipped.
func (c *Client) Events(ctx context.Context, fromBlock, toBlock uint64, eventName string) ([]domain.RawEvent, error) {
	event, ok := c.abi.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", eventName)
	}
	filter := map[string]any{
		"fromBlock": formatHexUint(fromBlock),
		"toBlock":   formatHexUint(toBlock),
		"topics":    []any{event.ID.Hex()},
	}
	if c.contract != "" {
		filter["address"] = c.contract
	}

	var result []rpcLog
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &result); err != nil {
		return nil, err
	}

	events := make([]domain.RawEvent, 0, len(result))
	for _, log := range result {
		if log.Removed {
			continue
		}
		raw, err := c.decodeLog(event, log)
		if err != nil {
			return nil, fmt.Errorf("decode %s log %s/%s: %w", eventName, log.TxHash, log.LogIndex, err)
		}
		events = append(events, raw)
	}
	return events, nil
}

func (c *Client) decodeLog(event abi.Event, log rpcLog) (domain.RawEvent, error) {
	blockNumber, err := parseHexUint(log.BlockNumber)
	if err != nil {
		return domain.RawEvent{}, err
	}
	logIndex, err := parseHexUint(log.LogIndex)
	if err != nil {
		return domain.RawEvent{}, err
	}
	if len(log.Topics) == 0 {
		return domain.RawEvent{}, errors.New("log has no topics")
	}

	fields := make(map[string]any)
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	topics := make([]common.Hash, 0, len(log.Topics)-1)
	for _, topic := range log.Topics[1:] {
		topics = append(topics, common.HexToHash(topic))
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, topics); err != nil {
		return domain.RawEvent{}, err
	}
	data, err := hexutil.Decode(log.Data)
	if err != nil {
		return domain.RawEvent{}, err
	}
	if err := event.Inputs.UnpackIntoMap(fields, data); err != nil {
		return domain.RawEvent{}, err
	}

	user, ok := fields["userAddress"].(common.Address)
	if !ok {
		return domain.RawEvent{}, errors.New("event has no userAddress")
	}
	payload, ok := fields["data"].([]byte)
	if !ok {
		return domain.RawEvent{}, errors.New("event has no data")
	}
	return domain.RawEvent{
		Address:     strings.ToLower(log.Address),
		UserAddress: strings.ToLower(user.Hex()),
		BlockNumber: blockNumber,
		TxHash:      log.TxHash,
		LogIndex:    logIndex,
		Payload:     hexutil.Encode(payload),
	}, nil
}

// Fee returns the contract's submission fee in wei.
func (c *Client) Fee(ctx context.Context) (string, error) {
	out, err := c.callContract(ctx, "fee")
	if err != nil {
		return "", err
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return "", fmt.Errorf("unexpected fee type %T", out[0])
	}
	return fee.String(), nil
}

func (c *Client) Owner(ctx context.Context) (string, error) {
	out, err := c.callContract(ctx, "owner")
	if err != nil {
		return "", err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected owner type %T", out[0])
	}
	return strings.ToLower(owner.Hex()), nil
}

func (c *Client) callContract(ctx context.Context, method string) ([]any, error) {
	if c.contract == "" {
		return nil, errors.New("contract address is required")
	}
	input, err := c.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	msg := map[string]any{
		"to":   c.contract,
		"data": hexutil.Encode(input),
	}
	var result string
	if err := c.call(ctx, "eth_call", []any{msg, "latest"}, &result); err != nil {
		return nil, err
	}
	output, err := hexutil.Decode(result)
	if err != nil {
		return nil, err
	}
	values, err := c.abi.Unpack(method, output)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

type rpcBlock struct {
	Number    string `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

type rpcLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: rpc status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("%s: %w", method, decoded.Error)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("rpc result is empty")
	}
	return json.Unmarshal(decoded.Result, result)
}

func parseHexUint(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return 0, errors.New("empty hex value")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

func formatHexUint(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
