package application

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"chainfunnel/internal/domain"
)

type mockSource struct {
	latest uint64
	hashes map[uint64]string
}

func (m *mockSource) LatestBlockNumber(ctx context.Context) (uint64, error) { return m.latest, nil }
func (m *mockSource) ChainID(ctx context.Context) (uint64, error)           { return 1, nil }
func (m *mockSource) BlockByNumber(ctx context.Context, blockNumber uint64) (domain.BlockHeader, error) {
	hash, ok := m.hashes[blockNumber]
	if !ok {
		hash = fmt.Sprintf("0x%d", blockNumber)
	}
	return domain.BlockHeader{Number: blockNumber, Hash: hash}, nil
}

// mockFunnel returns blocks up to, but not including, failAt.
type mockFunnel struct {
	failAt *uint64
	calls  [][2]uint64
}

func (m *mockFunnel) FetchRange(ctx context.Context, fromBlock, toBlock uint64) []domain.ChainData {
	m.calls = append(m.calls, [2]uint64{fromBlock, toBlock})
	var out []domain.ChainData
	for block := fromBlock; block <= toBlock; block++ {
		if m.failAt != nil && block >= *m.failAt {
			break
		}
		out = append(out, domain.ChainData{
			BlockNumber:   block,
			BlockHash:     fmt.Sprintf("0x%d", block),
			SubmittedData: []domain.SubmittedChainData{{UserAddress: "0xuser", InputData: "move"}},
		})
	}
	return out
}

type mockFeed struct {
	blocks    map[uint64]domain.ChainData
	deletedAt *uint64
	published []domain.ChainData
	reorgs    []uint64
	lastBlock map[uint64]uint64
	scheduled []domain.ScheduledInput
	events    []string
	storeErr  error
}

func newMockFeed() *mockFeed {
	return &mockFeed{blocks: make(map[uint64]domain.ChainData), lastBlock: make(map[uint64]uint64)}
}

func (m *mockFeed) StoreChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	for _, block := range blocks {
		m.blocks[block.BlockNumber] = block
	}
	return nil
}
func (m *mockFeed) ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error) {
	return nil, nil
}
func (m *mockFeed) BlockHash(ctx context.Context, chainID uint64, blockNumber uint64) (string, bool, error) {
	block, ok := m.blocks[blockNumber]
	return block.BlockHash, ok, nil
}
func (m *mockFeed) DeleteChainDataFrom(ctx context.Context, chainID uint64, fromBlock uint64) error {
	m.deletedAt = &fromBlock
	for number := range m.blocks {
		if number >= fromBlock {
			delete(m.blocks, number)
		}
	}
	return nil
}
func (m *mockFeed) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	block, ok := m.lastBlock[chainID]
	return block, ok, nil
}
func (m *mockFeed) SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error {
	m.lastBlock[chainID] = block
	return nil
}
func (m *mockFeed) ClearLastProcessedBlock(ctx context.Context, chainID uint64) error {
	delete(m.lastBlock, chainID)
	return nil
}
func (m *mockFeed) PublishChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error {
	m.published = append(m.published, blocks...)
	for _, block := range blocks {
		m.events = append(m.events, fmt.Sprintf("block:%d", block.BlockNumber))
	}
	return nil
}
func (m *mockFeed) PublishReorg(ctx context.Context, chainID uint64, fromBlock uint64, reason string) error {
	m.reorgs = append(m.reorgs, fromBlock)
	m.events = append(m.events, fmt.Sprintf("reorg:%d", fromBlock))
	return nil
}

// Stubs for interface compliance
func (m *mockFeed) CreateScheduledData(ctx context.Context, blockHeight uint64, inputData string) error {
	return nil
}
func (m *mockFeed) DeleteScheduledData(ctx context.Context, blockHeight uint64, inputData string) error {
	return nil
}
func (m *mockFeed) ScheduledDataBetween(ctx context.Context, fromBlock, toBlock uint64) ([]domain.ScheduledInput, error) {
	var out []domain.ScheduledInput
	for _, input := range m.scheduled {
		if input.BlockHeight >= fromBlock && input.BlockHeight <= toBlock {
			out = append(out, input)
		}
	}
	return out, nil
}

func newTestPoller(t *testing.T, source *mockSource, funnel *mockFunnel, feed *mockFeed, cfg PollerConfig) *Poller {
	t.Helper()
	poller, err := NewPoller(source, funnel, feed, feed, feed, feed, nil, nil, cfg)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return poller
}

func TestPoller_StepAdvancesState(t *testing.T) {
	source := &mockSource{latest: 20}
	funnel := &mockFunnel{}
	feed := newMockFeed()
	poller := newTestPoller(t, source, funnel, feed, PollerConfig{StartBlock: 10, BatchSize: 5, Confirmations: 2})

	caughtUp, err := poller.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if caughtUp {
		t.Error("expected more blocks to be pending")
	}
	if funnel.calls[0] != [2]uint64{10, 14} {
		t.Errorf("expected range 10-14, got %v", funnel.calls[0])
	}
	if feed.lastBlock[1] != 14 {
		t.Errorf("expected last processed 14, got %d", feed.lastBlock[1])
	}

	caughtUp, err = poller.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("second step failed: %v", err)
	}
	if funnel.calls[1] != [2]uint64{15, 18} {
		t.Errorf("expected range 15-18 (confirmations applied), got %v", funnel.calls[1])
	}
	if !caughtUp {
		t.Error("expected poller to be caught up")
	}
	if len(feed.published) != 9 {
		t.Errorf("expected 9 published blocks, got %d", len(feed.published))
	}
}

func TestPoller_PartialRangeResumesAtFirstMissing(t *testing.T) {
	failAt := uint64(103)
	source := &mockSource{latest: 110}
	funnel := &mockFunnel{failAt: &failAt}
	feed := newMockFeed()
	poller := newTestPoller(t, source, funnel, feed, PollerConfig{StartBlock: 100, BatchSize: 10})

	wait, err := poller.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !wait {
		t.Error("expected poller to back off after a partial range")
	}
	if feed.lastBlock[1] != 102 {
		t.Errorf("expected last processed 102, got %d", feed.lastBlock[1])
	}

	funnel.failAt = nil
	if _, err := poller.Step(context.Background(), 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if funnel.calls[1][0] != 103 {
		t.Errorf("expected resume at 103, got %d", funnel.calls[1][0])
	}
}

func TestPoller_EmptyFetchDoesNotAdvance(t *testing.T) {
	failAt := uint64(5)
	source := &mockSource{latest: 9}
	feed := newMockFeed()
	poller := newTestPoller(t, source, &mockFunnel{failAt: &failAt}, feed, PollerConfig{StartBlock: 5, BatchSize: 3})

	wait, err := poller.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !wait {
		t.Error("expected wait after empty fetch")
	}
	if _, ok := feed.lastBlock[1]; ok {
		t.Error("state must not advance on an empty fetch")
	}
}

func TestPoller_MergesScheduledDataFirst(t *testing.T) {
	source := &mockSource{latest: 3}
	feed := newMockFeed()
	feed.scheduled = []domain.ScheduledInput{{BlockHeight: 2, InputData: "tick"}}
	poller := newTestPoller(t, source, &mockFunnel{}, feed, PollerConfig{StartBlock: 1, BatchSize: 3})

	if _, err := poller.Step(context.Background(), 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	block := feed.blocks[2]
	if len(block.SubmittedData) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(block.SubmittedData))
	}
	if !block.SubmittedData[0].Scheduled() || block.SubmittedData[0].InputData != "tick" {
		t.Errorf("expected scheduled input first, got %+v", block.SubmittedData[0])
	}
	if len(feed.blocks[1].SubmittedData) != 1 {
		t.Errorf("block 1 should only carry its user submission")
	}
}

func TestPoller_ReorgRewindsToCommonAncestor(t *testing.T) {
	source := &mockSource{latest: 10, hashes: map[uint64]string{}}
	feed := newMockFeed()
	poller := newTestPoller(t, source, &mockFunnel{}, feed, PollerConfig{StartBlock: 1, BatchSize: 10})

	if _, err := poller.Step(context.Background(), 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	source.hashes[9] = "0xfork9"
	source.hashes[10] = "0xfork10"
	source.latest = 10
	if _, err := poller.Step(context.Background(), 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if feed.deletedAt == nil || *feed.deletedAt != 9 {
		t.Fatalf("expected feed deleted from 9, got %v", feed.deletedAt)
	}
	if len(feed.reorgs) != 1 || feed.reorgs[0] != 9 {
		t.Errorf("expected reorg published from 9, got %v", feed.reorgs)
	}
	if feed.lastBlock[1] != 10 {
		t.Errorf("expected re-fetch up to 10 after rewind, got %d", feed.lastBlock[1])
	}
}

func TestPoller_RewindPublishesReorgBeforeRepublish(t *testing.T) {
	source := &mockSource{latest: 14}
	feed := newMockFeed()
	poller := newTestPoller(t, source, &mockFunnel{}, feed, PollerConfig{StartBlock: 10, BatchSize: 10})
	ctx := context.Background()

	if _, err := poller.Step(ctx, 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if err := poller.Rewind(ctx, 1, 11); err != nil {
		t.Fatalf("rewind failed: %v", err)
	}
	if feed.deletedAt == nil || *feed.deletedAt != 11 {
		t.Fatalf("expected feed deleted from 11, got %v", feed.deletedAt)
	}
	if _, ok := feed.blocks[11]; ok {
		t.Error("block 11 should be gone after rewind")
	}
	if feed.lastBlock[1] != 10 {
		t.Errorf("expected last processed 10 after rewind, got %d", feed.lastBlock[1])
	}

	if _, err := poller.Step(ctx, 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	want := []string{
		"block:10", "block:11", "block:12", "block:13", "block:14",
		"reorg:11",
		"block:11", "block:12", "block:13", "block:14",
	}
	if !reflect.DeepEqual(feed.events, want) {
		t.Errorf("feed events = %v, want %v", feed.events, want)
	}
}

func TestPoller_RewindToStartClearsState(t *testing.T) {
	source := &mockSource{latest: 12}
	feed := newMockFeed()
	poller := newTestPoller(t, source, &mockFunnel{}, feed, PollerConfig{StartBlock: 10, BatchSize: 10})
	ctx := context.Background()

	if _, err := poller.Step(ctx, 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if err := poller.Rewind(ctx, 1, 3); err != nil {
		t.Fatalf("rewind failed: %v", err)
	}
	if _, ok := feed.lastBlock[1]; ok {
		t.Error("state should be cleared when rewinding to the start block")
	}
	if len(feed.reorgs) != 1 || feed.reorgs[0] != 10 {
		t.Errorf("expected reorg from start block 10, got %v", feed.reorgs)
	}
	if len(feed.blocks) != 0 {
		t.Errorf("expected no stored blocks, got %d", len(feed.blocks))
	}
}

func TestPoller_StoreFailureNeitherPublishesNorAdvances(t *testing.T) {
	source := &mockSource{latest: 5}
	feed := newMockFeed()
	feed.storeErr = errors.New("disk full")
	poller := newTestPoller(t, source, &mockFunnel{}, feed, PollerConfig{StartBlock: 1, BatchSize: 5})

	if _, err := poller.Step(context.Background(), 1); !errors.Is(err, feed.storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(feed.published) != 0 {
		t.Errorf("expected nothing published, got %d blocks", len(feed.published))
	}
	if _, ok := feed.lastBlock[1]; ok {
		t.Error("state must not advance when the store fails")
	}

	feed.storeErr = nil
	if _, err := poller.Step(context.Background(), 1); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if len(feed.published) != 5 || feed.lastBlock[1] != 5 {
		t.Errorf("expected blocks 1-5 published after recovery, got %d published, last %d", len(feed.published), feed.lastBlock[1])
	}
}
