package balance

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPriceComputesTokenAndToolCosts(t *testing.T) {
	svc := &Service{
		pricing: map[string]ModelPricing{
			"gpt-5": {
				PromptPer1K:     decimal.NewFromFloat(0.01),
				CompletionPer1K: decimal.NewFromFloat(0.03),
			},
		},
	}
	cost := svc.Price(UsageCost{
		Model:              "gpt-5",
		PromptTokens:       2000,
		CompletionTokens:   1000,
		ServerToolRequests: 2,
		ServerToolUnitCost: decimal.NewFromFloat(0.005),
		ClientToolCost:     decimal.NewFromFloat(0.002),
	})
	// 2000/1000*0.01 + 1000/1000*0.03 + 2*0.005 + 0.002 = 0.02+0.03+0.01+0.002 = 0.062, negated
	want := decimal.NewFromFloat(-0.062)
	if !cost.Equal(want) {
		t.Errorf("Price() = %s, want %s", cost, want)
	}
}

func TestPriceUnknownModelStillChargesToolCosts(t *testing.T) {
	svc := &Service{pricing: map[string]ModelPricing{}}
	cost := svc.Price(UsageCost{Model: "unknown", ClientToolCost: decimal.NewFromFloat(1)})
	want := decimal.NewFromFloat(-1)
	if !cost.Equal(want) {
		t.Errorf("Price() = %s, want %s", cost, want)
	}
}

func TestFreeCommandsBypassGate(t *testing.T) {
	for _, cmd := range []string{"help", "balance", "payments", "admin", "start"} {
		if !FreeCommands[cmd] {
			t.Errorf("expected %q to be a free command", cmd)
		}
	}
	if FreeCommands["generate_image"] {
		t.Error("expected paid commands to not be in the free set")
	}
}
