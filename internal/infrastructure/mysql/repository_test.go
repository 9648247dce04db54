package mysql

import (
	"context"
	"os"
	"testing"

	"chainfunnel/internal/domain"
)

func TestNewRepository_RequiresDSN(t *testing.T) {
	if _, err := NewRepository(""); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestStateKey(t *testing.T) {
	if got := stateKey(2020); got != "last_block:2020" {
		t.Errorf("stateKey = %q", got)
	}
}

func TestRepository_RoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	repo, err := NewRepository(dsn)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	const chainID = 999001
	t.Cleanup(func() {
		_ = repo.DeleteChainDataFrom(ctx, chainID, 0)
		_ = repo.ClearLastProcessedBlock(ctx, chainID)
	})

	blocks := []domain.ChainData{
		{BlockNumber: 1, BlockHash: "0x1", Timestamp: 10, SubmittedData: []domain.SubmittedChainData{
			{UserAddress: "0xa", InputData: "x"}, {UserAddress: "0xb", InputData: "y"},
		}},
		{BlockNumber: 2, BlockHash: "0x2", Timestamp: 14},
	}
	if err := repo.StoreChainData(ctx, chainID, blocks); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := repo.ChainDataRange(ctx, chainID, 1, 2)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 || len(got[0].SubmittedData) != 2 || got[0].SubmittedData[1].InputData != "y" {
		t.Errorf("unexpected range %+v", got)
	}

	if err := repo.SetLastProcessedBlock(ctx, chainID, 2); err != nil {
		t.Fatalf("set: %v", err)
	}
	if block, ok, err := repo.LastProcessedBlock(ctx, chainID); err != nil || !ok || block != 2 {
		t.Errorf("expected 2, got %d %v %v", block, ok, err)
	}

	if err := repo.DeleteChainDataFrom(ctx, chainID, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := repo.BlockHash(ctx, chainID, 2); ok {
		t.Error("block 2 should be deleted")
	}
}
