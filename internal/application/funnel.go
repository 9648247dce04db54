package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chainfunnel/internal/domain"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const DefaultBlockTimeout = 5 * time.Second

type LedgerClient interface {
	BlockByNumber(ctx context.Context, blockNumber uint64) (domain.BlockHeader, error)
	Events(ctx context.Context, fromBlock, toBlock uint64, eventName string) ([]domain.RawEvent, error)
}

// SubmissionDecoder turns one event payload into zero or more submissions.
// An empty payload must yield an empty result.
type SubmissionDecoder interface {
	Decode(ctx context.Context, userAddress, payload string, blockNumber uint64) ([]domain.SubmittedChainData, error)
}

type FunnelObserver interface {
	OnBlockFetched(blockNumber uint64, submissions int, elapsed time.Duration)
	OnBlockFailed(blockNumber uint64, kind string)
	OnRangeFetched(fromBlock, toBlock uint64, returned int)
}

type FunnelConfig struct {
	BlockTimeout time.Duration
	EventName    string
}

// Funnel reads blocks from the ledger and turns them into ChainData.
// It keeps no state between calls.
type Funnel struct {
	ledger   LedgerClient
	decoder  SubmissionDecoder
	observer FunnelObserver
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      FunnelConfig
}

func NewFunnel(ledger LedgerClient, decoder SubmissionDecoder, observer FunnelObserver, logger *slog.Logger, cfg FunnelConfig) (*Funnel, error) {
	if ledger == nil || decoder == nil {
		return nil, errors.New("funnel dependencies must not be nil")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.EventName == "" {
		cfg.EventName = domain.GameInteractionEvent
	}
	if observer == nil {
		observer = noopFunnelObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Funnel{
		ledger:   ledger,
		decoder:  decoder,
		observer: observer,
		logger:   logger.With("component", "funnel"),
		tracer:   otel.Tracer("chainfunnel/funnel"),
		cfg:      cfg,
	}, nil
}

// FetchRange fetches every block in [fromBlock, toBlock] concurrently and
// returns the longest run of successfully fetched blocks starting at
// fromBlock. A block that fails or times out drops itself and every block
// after it, so the result never has gaps. A result shorter than the range
// means the caller should poll again starting at fromBlock+len(result).
//
// All blocks in the range are fetched at once; callers keep ranges small.
func (f *Funnel) FetchRange(ctx context.Context, fromBlock, toBlock uint64) []domain.ChainData {
	if toBlock < fromBlock {
		return nil
	}

	ctx, span := f.tracer.Start(ctx, "funnel.fetch_range")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("range.from", int64(fromBlock)),
		attribute.Int64("range.to", int64(toBlock)),
	)

	count := int(toBlock-fromBlock) + 1
	results := make([]domain.ChainData, count)
	failures := make([]error, count)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], failures[i] = f.fetchWithTimeout(ctx, fromBlock+uint64(i))
		}()
	}
	wg.Wait()

	prefix := firstFailure(failures)
	if prefix < count {
		f.logger.Warn("range truncated",
			"from", fromBlock,
			"to", toBlock,
			"returned", prefix,
			"first_missing", fromBlock+uint64(prefix),
			"kind", ErrorKind(failures[prefix]),
			"err", failures[prefix],
		)
		span.SetStatus(codes.Error, "range truncated")
	}
	span.SetAttributes(attribute.Int("range.returned", prefix))
	f.observer.OnRangeFetched(fromBlock, toBlock, prefix)

	return results[:prefix:prefix]
}

// FetchSingle fetches one block under the per-block timeout and returns the
// failure to the caller instead of truncating.
func (f *Funnel) FetchSingle(ctx context.Context, blockNumber uint64) (domain.ChainData, error) {
	return f.fetchWithTimeout(ctx, blockNumber)
}

func firstFailure(failures []error) int {
	for i, err := range failures {
		if err != nil {
			return i
		}
	}
	return len(failures)
}

type blockOutcome struct {
	data domain.ChainData
	err  error
}

// fetchWithTimeout races fetchBlock against the block timeout. The result
// channel holds one value so a fetch that loses the race can still complete
// without blocking; its value is never read.
func (f *Funnel) fetchWithTimeout(ctx context.Context, blockNumber uint64) (domain.ChainData, error) {
	ctx, span := f.tracer.Start(ctx, "funnel.fetch_block")
	defer span.End()
	span.SetAttributes(attribute.Int64("block.number", int64(blockNumber)))

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.BlockTimeout)
	defer cancel()

	result := make(chan blockOutcome, 1)
	go func() {
		data, err := f.fetchBlock(fetchCtx, blockNumber)
		result <- blockOutcome{data: data, err: err}
	}()

	timer := time.NewTimer(f.cfg.BlockTimeout)
	defer timer.Stop()

	var out blockOutcome
	select {
	case out = <-result:
	case <-timer.C:
		out.err = &BlockError{BlockNumber: blockNumber, Kind: ErrFetchTimeout}
	case <-ctx.Done():
		out.err = &BlockError{BlockNumber: blockNumber, Kind: ErrTransientFetch, Err: ctx.Err()}
	}

	if out.err != nil {
		if errors.Is(out.err, ErrFetchTimeout) {
			f.logger.Warn("block fetch timed out",
				"block", blockNumber,
				"timeout", f.cfg.BlockTimeout,
			)
		}
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		f.observer.OnBlockFailed(blockNumber, ErrorKind(out.err))
		return domain.ChainData{}, out.err
	}
	f.observer.OnBlockFetched(blockNumber, len(out.data.SubmittedData), time.Since(start))
	return out.data, nil
}

func (f *Funnel) fetchBlock(ctx context.Context, blockNumber uint64) (domain.ChainData, error) {
	var (
		header domain.BlockHeader
		events []domain.RawEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := f.ledger.BlockByNumber(gctx, blockNumber)
		if err != nil {
			return fmt.Errorf("get block: %w", err)
		}
		header = h
		return nil
	})
	g.Go(func() error {
		evs, err := f.ledger.Events(gctx, blockNumber, blockNumber, f.cfg.EventName)
		if err != nil {
			return fmt.Errorf("get %s events: %w", f.cfg.EventName, err)
		}
		events = evs
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.ChainData{}, f.blockFailure(ctx, blockNumber, ErrTransientFetch, err)
	}
	if header.Number != blockNumber {
		err := fmt.Errorf("ledger returned block %d for request %d", header.Number, blockNumber)
		return domain.ChainData{}, f.blockFailure(ctx, blockNumber, ErrTransientFetch, err)
	}

	submissions, err := f.decodeEvents(ctx, blockNumber, events)
	if err != nil {
		return domain.ChainData{}, f.blockFailure(ctx, blockNumber, ErrDecode, err)
	}

	return domain.ChainData{
		Timestamp:     header.Timestamp,
		BlockHash:     header.Hash,
		BlockNumber:   header.Number,
		SubmittedData: submissions,
	}, nil
}

// decodeEvents decodes all events of a block concurrently and flattens the
// result in event order.
func (f *Funnel) decodeEvents(ctx context.Context, blockNumber uint64, events []domain.RawEvent) ([]domain.SubmittedChainData, error) {
	perEvent := make([][]domain.SubmittedChainData, len(events))
	g, gctx := errgroup.WithContext(ctx)
	for i, event := range events {
		g.Go(func() error {
			text, ok, err := PayloadText(event.Payload)
			if err != nil {
				return fmt.Errorf("event %d (tx %s): %w", i, event.TxHash, err)
			}
			if !ok {
				return nil
			}
			submissions, err := f.decoder.Decode(gctx, event.UserAddress, text, blockNumber)
			if err != nil {
				return fmt.Errorf("event %d (tx %s): %w", i, event.TxHash, err)
			}
			perEvent[i] = submissions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, submissions := range perEvent {
		total += len(submissions)
	}
	flat := make([]domain.SubmittedChainData, 0, total)
	for _, submissions := range perEvent {
		flat = append(flat, submissions...)
	}
	return flat, nil
}

// blockFailure wraps err with the block context and logs it. Failures caused
// by the fetch context ending are reported by fetchWithTimeout instead.
func (f *Funnel) blockFailure(ctx context.Context, blockNumber uint64, kind error, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &BlockError{BlockNumber: blockNumber, Kind: ErrFetchTimeout, Err: err}
	}
	blockErr := &BlockError{BlockNumber: blockNumber, Kind: kind, Err: err}
	if ctx.Err() == nil {
		f.logger.Error("block fetch failed",
			"block", blockNumber,
			"kind", ErrorKind(blockErr),
			"err", err,
		)
	}
	return blockErr
}

// PayloadText converts a hex event payload to text. ok is false when the
// payload is empty and there is nothing to decode.
func PayloadText(payload string) (text string, ok bool, err error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" || strings.EqualFold(trimmed, "0x") {
		return "", false, nil
	}
	digits := trimmed
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		digits = digits[2:]
	}
	if len(digits)%2 != 0 {
		digits = "0" + digits
	}
	raw, err := hexutil.Decode("0x" + digits)
	if err != nil {
		return "", false, fmt.Errorf("%w: payload is not hex: %v", ErrDecode, err)
	}
	return strings.Trim(string(raw), "\x00"), true, nil
}

type noopFunnelObserver struct{}

func (noopFunnelObserver) OnBlockFetched(uint64, int, time.Duration) {}
func (noopFunnelObserver) OnBlockFailed(uint64, string)              {}
func (noopFunnelObserver) OnRangeFetched(uint64, uint64, int)        {}
