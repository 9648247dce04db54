package application

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chainfunnel/internal/domain"
)

type BlockSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, blockNumber uint64) (domain.BlockHeader, error)
}

type RangeFetcher interface {
	FetchRange(ctx context.Context, fromBlock, toBlock uint64) []domain.ChainData
}

type FeedRepository interface {
	StoreChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error
	ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error)
	BlockHash(ctx context.Context, chainID uint64, blockNumber uint64) (string, bool, error)
	DeleteChainDataFrom(ctx context.Context, chainID uint64, fromBlock uint64) error
}

type StateRepository interface {
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error
	ClearLastProcessedBlock(ctx context.Context, chainID uint64) error
}

type ScheduledDataStore interface {
	CreateScheduledData(ctx context.Context, blockHeight uint64, inputData string) error
	DeleteScheduledData(ctx context.Context, blockHeight uint64, inputData string) error
	ScheduledDataBetween(ctx context.Context, fromBlock, toBlock uint64) ([]domain.ScheduledInput, error)
}

// FeedWriter publishes the feed downstream. Blocks are stored before they are
// published and the state advances only after both succeed, so a batch may be
// published more than once. Consumers dedupe by block number.
type FeedWriter interface {
	PublishChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error
	PublishReorg(ctx context.Context, chainID uint64, fromBlock uint64, reason string) error
}

type PollerObserver interface {
	OnLatestBlock(block uint64)
	OnBatchProcessed(fromBlock, toBlock uint64, blocks, submissions int)
}

type PollerConfig struct {
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	BatchSize     uint64
}

// Poller drives the funnel forward from the last stored block. When the
// funnel returns fewer blocks than requested, the prefix is kept and the next
// poll resumes at the first missing block.
type Poller struct {
	mu        sync.Mutex
	source    BlockSource
	funnel    RangeFetcher
	writer    FeedWriter
	feed      FeedRepository
	state     StateRepository
	scheduled ScheduledDataStore
	observer  PollerObserver
	logger    *slog.Logger
	cfg       PollerConfig
}

func NewPoller(source BlockSource, funnel RangeFetcher, writer FeedWriter, feed FeedRepository, state StateRepository, scheduled ScheduledDataStore, observer PollerObserver, logger *slog.Logger, cfg PollerConfig) (*Poller, error) {
	if source == nil || funnel == nil || writer == nil || feed == nil || state == nil {
		return nil, errors.New("poller dependencies must not be nil")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:    source,
		funnel:    funnel,
		writer:    writer,
		feed:      feed,
		state:     state,
		scheduled: scheduled,
		observer:  observer,
		logger:    logger.With("component", "poller"),
		cfg:       cfg,
	}, nil
}

func (p *Poller) Run(ctx context.Context) error {
	chainID, err := p.source.ChainID(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		caughtUp, err := p.Step(ctx, chainID)
		if err != nil {
			if !errors.Is(err, domain.ErrBlockNotFound) {
				return err
			}
			caughtUp = true
		}
		if !caughtUp {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// Step runs one poll. It reports true when the caller should wait for the
// poll interval before the next step.
func (p *Poller) Step(ctx context.Context, chainID uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reconcileReorg(ctx, chainID); err != nil {
		return false, err
	}

	current := p.cfg.StartBlock
	if last, ok, err := p.state.LastProcessedBlock(ctx, chainID); err != nil {
		return false, err
	} else if ok {
		current = last + 1
	}

	latest, err := p.source.LatestBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if p.observer != nil {
		p.observer.OnLatestBlock(latest)
	}
	if latest < p.cfg.Confirmations {
		return true, nil
	}
	latest -= p.cfg.Confirmations
	if current > latest {
		return true, nil
	}

	toBlock := current + p.cfg.BatchSize - 1
	if toBlock > latest {
		toBlock = latest
	}

	blocks := p.funnel.FetchRange(ctx, current, toBlock)
	requested := int(toBlock-current) + 1
	if len(blocks) == 0 {
		p.logger.Info("no blocks fetched, retrying later", "from", current, "to", toBlock)
		return true, nil
	}

	if err := p.mergeScheduled(ctx, blocks); err != nil {
		return false, err
	}
	if err := p.feed.StoreChainData(ctx, chainID, blocks); err != nil {
		return false, err
	}
	if err := p.writer.PublishChainData(ctx, chainID, blocks); err != nil {
		return false, err
	}
	last := blocks[len(blocks)-1].BlockNumber
	if err := p.state.SetLastProcessedBlock(ctx, chainID, last); err != nil {
		return false, err
	}

	if p.observer != nil {
		submissions := 0
		for _, block := range blocks {
			submissions += len(block.SubmittedData)
		}
		p.observer.OnBatchProcessed(current, last, len(blocks), submissions)
	}

	if len(blocks) < requested {
		p.logger.Info("partial range, resuming from first missing block",
			"requested", requested,
			"fetched", len(blocks),
			"next", last+1,
		)
		return true, nil
	}
	return toBlock == latest, nil
}

// mergeScheduled puts submissions scheduled for a block ahead of the user
// submissions of that block.
func (p *Poller) mergeScheduled(ctx context.Context, blocks []domain.ChainData) error {
	if p.scheduled == nil || len(blocks) == 0 {
		return nil
	}
	inputs, err := p.scheduled.ScheduledDataBetween(ctx, blocks[0].BlockNumber, blocks[len(blocks)-1].BlockNumber)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return nil
	}
	byHeight := make(map[uint64][]domain.SubmittedChainData, len(inputs))
	for _, input := range inputs {
		byHeight[input.BlockHeight] = append(byHeight[input.BlockHeight], domain.SubmittedChainData{
			UserAddress: domain.ScheduledDataAddress,
			InputData:   input.InputData,
		})
	}
	for i := range blocks {
		scheduled := byHeight[blocks[i].BlockNumber]
		if len(scheduled) == 0 {
			continue
		}
		blocks[i].SubmittedData = append(scheduled, blocks[i].SubmittedData...)
	}
	return nil
}

func (p *Poller) reconcileReorg(ctx context.Context, chainID uint64) error {
	last, ok, err := p.state.LastProcessedBlock(ctx, chainID)
	if err != nil || !ok {
		return err
	}
	if _, stored, err := p.feed.BlockHash(ctx, chainID, last); err != nil || !stored {
		return err
	}
	matches, err := p.hashMatches(ctx, chainID, last)
	if err != nil || matches {
		return err
	}

	var rewind *uint64
	for block := last; block > p.cfg.StartBlock; {
		block--
		matches, err := p.hashMatches(ctx, chainID, block)
		if err != nil {
			return err
		}
		if matches {
			rewind = &block
			break
		}
	}

	from := p.cfg.StartBlock
	if rewind != nil {
		from = *rewind + 1
	}
	p.logger.Warn("reorg detected", "last_processed", last, "rewind_from", from)
	return p.rewindFrom(ctx, chainID, from, "reorg")
}

// Rewind drops the feed from fromBlock on and tells consumers to do the same,
// so the next step re-fetches and republishes those blocks. It waits for an
// in-flight step to finish.
func (p *Poller) Rewind(ctx context.Context, chainID uint64, fromBlock uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fromBlock < p.cfg.StartBlock {
		fromBlock = p.cfg.StartBlock
	}
	p.logger.Warn("rewind requested", "rewind_from", fromBlock)
	return p.rewindFrom(ctx, chainID, fromBlock, "reindex")
}

// rewindFrom deletes stored blocks, publishes the reorg marker and moves the
// state back, in that order. Callers hold p.mu.
func (p *Poller) rewindFrom(ctx context.Context, chainID uint64, from uint64, reason string) error {
	if err := p.feed.DeleteChainDataFrom(ctx, chainID, from); err != nil {
		return err
	}
	if err := p.writer.PublishReorg(ctx, chainID, from, reason); err != nil {
		return err
	}
	if from == 0 || from <= p.cfg.StartBlock {
		return p.state.ClearLastProcessedBlock(ctx, chainID)
	}
	return p.state.SetLastProcessedBlock(ctx, chainID, from-1)
}

// hashMatches reports whether the stored hash of blockNumber matches the
// ledger. Blocks with no stored hash are treated as not matching.
func (p *Poller) hashMatches(ctx context.Context, chainID, blockNumber uint64) (bool, error) {
	stored, ok, err := p.feed.BlockHash(ctx, chainID, blockNumber)
	if err != nil || !ok {
		return false, err
	}
	header, err := p.source.BlockByNumber(ctx, blockNumber)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(header.Hash, stored), nil
}
