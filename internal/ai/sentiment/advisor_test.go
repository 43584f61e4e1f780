package sentiment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finance-feedback-engine/internal/advisory"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name           string
		index          int
		wantAction     advisory.Action
		wantConfidence int
	}{
		{"extreme fear buys", 10, advisory.ActionBuy, 75},
		{"fear floor", 25, advisory.ActionBuy, 60},
		{"deep fear caps", 0, advisory.ActionBuy, 85},
		{"extreme greed sells", 90, advisory.ActionSell, 75},
		{"greed floor", 75, advisory.ActionSell, 60},
		{"peak greed caps", 100, advisory.ActionSell, 85},
		{"neutral holds", 50, advisory.ActionHold, 65},
		{"mild fear holds", 40, advisory.ActionHold, 55},
		{"mild greed holds", 70, advisory.ActionHold, 45},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, confidence, reasoning := classify(&Score{Index: tt.index, Label: "Test"})
			if action != tt.wantAction {
				t.Errorf("action = %s, want %s", action, tt.wantAction)
			}
			if confidence != tt.wantConfidence {
				t.Errorf("confidence = %d, want %d", confidence, tt.wantConfidence)
			}
			rec := &advisory.Recommendation{Action: action, Confidence: confidence, Reasoning: reasoning}
			if err := rec.Validate(); err != nil {
				t.Errorf("recommendation invalid: %v", err)
			}
		})
	}
}

func TestAdviseFetchesIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"value":"12","value_classification":"Extreme Fear","timestamp":"1700000000"}]}`)
	}))
	defer srv.Close()

	a := NewAdvisor("sentiment", &Config{Endpoint: srv.URL, CacheTTL: time.Minute}, 0)
	rec, err := a.Advise(context.Background(), advisory.Query{Asset: "BTCUSDT"})
	if err != nil {
		t.Fatalf("Advise() error = %v", err)
	}
	if rec.Action != advisory.ActionBuy {
		t.Errorf("action = %s, want BUY", rec.Action)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("recommendation invalid: %v", err)
	}
	if rec.RawMetadata["fear_greed_index"] != 12 {
		t.Errorf("fear_greed_index = %v, want 12", rec.RawMetadata["fear_greed_index"])
	}
}

func TestAdviseUsesCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"data":[{"value":"85","value_classification":"Extreme Greed","timestamp":"1700000000"}]}`)
	}))
	defer srv.Close()

	a := NewAdvisor("sentiment", &Config{Endpoint: srv.URL, CacheTTL: time.Hour}, 0)
	for i := 0; i < 3; i++ {
		if _, err := a.Advise(context.Background(), advisory.Query{Asset: "ETHUSDT"}); err != nil {
			t.Fatalf("Advise() #%d error = %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("endpoint called %d times, want 1", calls)
	}
}

func TestAdviseSurfacesFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAdvisor("sentiment", &Config{Endpoint: srv.URL, CacheTTL: time.Minute}, 0)
	if _, err := a.Advise(context.Background(), advisory.Query{Asset: "BTCUSDT"}); err == nil {
		t.Error("expected error from failing endpoint")
	}
}

func TestFetchRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty data", `{"data":[]}`},
		{"non numeric", `{"data":[{"value":"abc","value_classification":"x","timestamp":"1"}]}`},
		{"out of range", `{"data":[{"value":"140","value_classification":"x","timestamp":"1"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			a := NewAdvisor("sentiment", &Config{Endpoint: srv.URL, CacheTTL: time.Minute}, 0)
			if _, err := a.fetchIndex(context.Background()); err == nil {
				t.Error("expected fetch error")
			}
		})
	}
}
