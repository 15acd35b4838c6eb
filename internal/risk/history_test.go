package risk

import (
	"fmt"
	"testing"

	"cross-exchange-arbitrage/internal/core/model"
)

func TestHistory_RingBuffer(t *testing.T) {
	h := NewHistory(3)
	if got := h.Recent(0); len(got) != 0 {
		t.Fatalf("空历史 len=%d", len(got))
	}

	for i := 0; i < 5; i++ {
		h.Add(model.RiskAssessment{
			Path:          fmt.Sprintf("p%d", i),
			ShouldExecute: i%2 == 0,
			Source:        model.SourceFallback,
		})
	}

	if h.Len() != 3 {
		t.Fatalf("Len=%d, want 3", h.Len())
	}
	got := h.Recent(0)
	if got[0].Path != "p4" || got[1].Path != "p3" || got[2].Path != "p2" {
		t.Fatalf("应最新在前且覆盖最旧: %v %v %v", got[0].Path, got[1].Path, got[2].Path)
	}
	if got := h.Recent(1); len(got) != 1 || got[0].Path != "p4" {
		t.Fatalf("Recent(1)=%v", got)
	}

	c := h.Counters()
	if c.Total != 5 || c.Approved != 3 || c.Fallback != 5 || c.Advisory != 0 {
		t.Fatalf("Counters=%+v", c)
	}
}
