package postgres

import (
	"context"
	"os"
	"testing"
)

func TestNewScheduledStore_RequiresDSN(t *testing.T) {
	if _, err := NewScheduledStore(context.Background(), ""); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestScheduledStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewScheduledStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	const height = 987654321
	t.Cleanup(func() {
		_ = store.DeleteScheduledData(ctx, height, "tick")
	})
	for i := 0; i < 2; i++ {
		if err := store.CreateScheduledData(ctx, height, "tick"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	inputs, err := store.ScheduledDataBetween(ctx, height, height)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(inputs) != 1 || inputs[0].InputData != "tick" || inputs[0].BlockHeight != height {
		t.Errorf("unexpected inputs %+v", inputs)
	}
	if err := store.DeleteScheduledData(ctx, height, "tick"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	inputs, err = store.ScheduledDataBetween(ctx, height, height)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(inputs) != 0 {
		t.Errorf("expected no inputs, got %+v", inputs)
	}
}
