package oracle

import (
	"testing"

	"PerpSettle/internal/state"
)

func TestParseQuote(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		want    state.PriceData
		ok      bool
		wantErr bool
	}{
		{"empty hash", map[string]string{}, state.PriceData{}, false, false},
		{"no price field", map[string]string{"timestamp": "5"}, state.PriceData{}, false, false},
		{"valid", map[string]string{"price": "123456789", "timestamp": "1700000000"}, state.PriceData{Price: 123456789, Timestamp: 1700000000}, true, false},
		{"bad price", map[string]string{"price": "1.5", "timestamp": "1"}, state.PriceData{}, false, true},
		{"missing timestamp", map[string]string{"price": "10"}, state.PriceData{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseQuote(tt.fields)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.ok || got != tt.want {
				t.Errorf("got (%v, %v), want (%v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPriceKey(t *testing.T) {
	if got := priceKey(state.StellarAsset("CXYZ")); got != "price:stellar:CXYZ" {
		t.Errorf("got %q", got)
	}
}
