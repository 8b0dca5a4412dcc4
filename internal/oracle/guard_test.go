package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
)

var btc = state.OtherAsset("BTC")

func TestGetPrice_NoPrice(t *testing.T) {
	src := oracle.NewMemorySource()
	g := oracle.NewGuard(src, 0).Pin(1_000)

	_, err := g.GetPrice(context.Background(), btc)
	if !errors.Is(err, state.ErrNoPrice) {
		t.Fatalf("got %v, want NoPrice", err)
	}

	src.Set(btc, 0, 1_000)
	if _, err := g.GetPrice(context.Background(), btc); !errors.Is(err, state.ErrNoPrice) {
		t.Fatalf("zero price: got %v, want NoPrice", err)
	}
}

func TestGetPrice_Staleness(t *testing.T) {
	src := oracle.NewMemorySource()
	guard := oracle.NewGuard(src, 300*time.Second)

	tests := []struct {
		name    string
		quoteTs int64
		wantErr error
	}{
		{"fresh", 1_000, nil},
		{"at window edge", 700, nil},
		{"one second past", 699, state.ErrStalePrice},
		{"quote from future", 1_100, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.Set(btc, 50_000, tt.quoteTs)
			pd, err := guard.Pin(1_000).GetPrice(context.Background(), btc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pd.Price != 50_000 {
				t.Errorf("price: got %d, want 50000", pd.Price)
			}
		})
	}
}

func TestPinnedGuard_CachesFirstRead(t *testing.T) {
	src := oracle.NewMemorySource()
	src.Set(btc, 100, 1_000)
	g := oracle.NewGuard(src, 0).Pin(1_000)

	first, err := g.GetPrice(context.Background(), btc)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	src.Set(btc, 200, 1_000)
	second, err := g.GetPrice(context.Background(), btc)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if first != second {
		t.Errorf("price changed within one call: %v then %v", first, second)
	}

	fresh, _ := oracle.NewGuard(src, 0).Pin(1_000).GetPrice(context.Background(), btc)
	if fresh.Price != 200 {
		t.Errorf("new call should see the update, got %d", fresh.Price)
	}
}

func TestGuard_RejectObserver(t *testing.T) {
	src := oracle.NewMemorySource()
	guard := oracle.NewGuard(src, time.Minute)
	var codes []state.ErrorCode
	guard.OnReject(func(_ state.Asset, code state.ErrorCode) { codes = append(codes, code) })

	guard.Pin(1_000).GetPrice(context.Background(), btc)
	src.Set(btc, 10, 100)
	guard.Pin(1_000).GetPrice(context.Background(), btc)

	if len(codes) != 2 || codes[0] != state.CodeNoPrice || codes[1] != state.CodeStalePrice {
		t.Errorf("got %v, want [NoPrice StalePrice]", codes)
	}
}
