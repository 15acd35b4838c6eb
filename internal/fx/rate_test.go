package fx

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRate_SetRejectsNonPositive(t *testing.T) {
	r, err := New(decimal.NewFromInt(1400))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, v := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)} {
		if err := r.Set(v); !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("Set(%s) error = %v, want ErrInvalidRate", v, err)
		}
	}
	if !r.Get().Equal(decimal.NewFromInt(1400)) {
		t.Fatalf("非法值不应覆盖原汇率, got %s", r.Get())
	}

	if _, err := New(decimal.Zero); err == nil {
		t.Fatal("初始汇率为 0 应返回错误")
	}
}

func TestRate_Conversion(t *testing.T) {
	r, _ := New(decimal.NewFromInt(1400))
	usd := r.ToUSD(decimal.NewFromInt(59_640_000))
	if !usd.Equal(decimal.NewFromInt(42600)) {
		t.Fatalf("ToUSD = %s, want 42600", usd)
	}
	if got := r.FromUSD(decimal.NewFromInt(42600)); !got.Equal(decimal.NewFromInt(59_640_000)) {
		t.Fatalf("FromUSD = %s, want 59640000", got)
	}
}
