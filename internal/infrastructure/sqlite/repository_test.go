package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"chainfunnel/internal/domain"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestNewRepository_RequiresPath(t *testing.T) {
	if _, err := NewRepository(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestChainData_StoreAndRange(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	blocks := []domain.ChainData{
		{BlockNumber: 10, BlockHash: "0xa", Timestamp: 100, SubmittedData: []domain.SubmittedChainData{
			{UserAddress: domain.ScheduledDataAddress, InputData: "tick"},
			{UserAddress: "0xuser", InputData: "move|1"},
		}},
		{BlockNumber: 11, BlockHash: "0xb", Timestamp: 104},
	}
	if err := repo.StoreChainData(ctx, 1, blocks); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := repo.ChainDataRange(ctx, 1, 10, 11)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got))
	}
	if got[0].BlockHash != "0xa" || got[0].Timestamp != 100 {
		t.Errorf("unexpected block %+v", got[0])
	}
	if len(got[0].SubmittedData) != 2 || !got[0].SubmittedData[0].Scheduled() || got[0].SubmittedData[1].InputData != "move|1" {
		t.Errorf("submission order not preserved: %+v", got[0].SubmittedData)
	}
	if len(got[1].SubmittedData) != 0 {
		t.Errorf("expected no submissions for block 11, got %+v", got[1].SubmittedData)
	}

	other, err := repo.ChainDataRange(ctx, 2, 10, 11)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("chains must be isolated, got %d blocks", len(other))
	}
}

func TestChainData_RestoreReplacesSubmissions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := domain.ChainData{BlockNumber: 5, BlockHash: "0x1", SubmittedData: []domain.SubmittedChainData{
		{UserAddress: "0xa", InputData: "x"}, {UserAddress: "0xb", InputData: "y"},
	}}
	if err := repo.StoreChainData(ctx, 1, []domain.ChainData{first}); err != nil {
		t.Fatalf("store: %v", err)
	}
	second := domain.ChainData{BlockNumber: 5, BlockHash: "0x2", SubmittedData: []domain.SubmittedChainData{
		{UserAddress: "0xc", InputData: "z"},
	}}
	if err := repo.StoreChainData(ctx, 1, []domain.ChainData{second}); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := repo.ChainDataRange(ctx, 1, 5, 5)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0].BlockHash != "0x2" || len(got[0].SubmittedData) != 1 {
		t.Errorf("expected block replaced, got %+v", got)
	}
}

func TestBlockHashAndDeleteFrom(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.StoreChainData(ctx, 1, []domain.ChainData{
		{BlockNumber: 1, BlockHash: "0x1"},
		{BlockNumber: 2, BlockHash: "0x2", SubmittedData: []domain.SubmittedChainData{{UserAddress: "0xa", InputData: "x"}}},
		{BlockNumber: 3, BlockHash: "0x3"},
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	hash, ok, err := repo.BlockHash(ctx, 1, 2)
	if err != nil || !ok || hash != "0x2" {
		t.Errorf("expected 0x2, got %q %v %v", hash, ok, err)
	}
	if err := repo.DeleteChainDataFrom(ctx, 1, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := repo.BlockHash(ctx, 1, 2); ok {
		t.Error("block 2 should be deleted")
	}
	got, err := repo.ChainDataRange(ctx, 1, 1, 3)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0].BlockNumber != 1 {
		t.Errorf("expected only block 1, got %+v", got)
	}
}

func TestScheduledData(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, input := range []domain.ScheduledInput{{BlockHeight: 7, InputData: "b"}, {BlockHeight: 5, InputData: "a"}, {BlockHeight: 7, InputData: "c"}, {BlockHeight: 7, InputData: "b"}} {
		if err := repo.CreateScheduledData(ctx, input.BlockHeight, input.InputData); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := repo.ScheduledDataBetween(ctx, 5, 7)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 inputs (duplicate ignored), got %+v", got)
	}
	if got[0].InputData != "a" || got[1].InputData != "b" || got[2].InputData != "c" {
		t.Errorf("unexpected order %+v", got)
	}

	if err := repo.DeleteScheduledData(ctx, 7, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = repo.ScheduledDataBetween(ctx, 6, 10)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(got) != 1 || got[0].InputData != "c" {
		t.Errorf("expected only c, got %+v", got)
	}
}

func TestLastProcessedBlock(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, ok, err := repo.LastProcessedBlock(ctx, 1); err != nil || ok {
		t.Fatalf("expected no state, got %v %v", ok, err)
	}
	if err := repo.SetLastProcessedBlock(ctx, 1, 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.SetLastProcessedBlock(ctx, 1, 43); err != nil {
		t.Fatalf("set: %v", err)
	}
	block, ok, err := repo.LastProcessedBlock(ctx, 1)
	if err != nil || !ok || block != 43 {
		t.Errorf("expected 43, got %d %v %v", block, ok, err)
	}
	if _, ok, _ := repo.LastProcessedBlock(ctx, 2); ok {
		t.Error("state must be per chain")
	}
	if err := repo.ClearLastProcessedBlock(ctx, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := repo.LastProcessedBlock(ctx, 1); ok {
		t.Error("expected state cleared")
	}
	if err := repo.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}
