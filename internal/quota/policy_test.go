package quota

import (
	"errors"
	"testing"
)

func TestLimitForDefaults(t *testing.T) {
	table := DefaultTable()

	cases := []struct {
		tier  Tier
		model string
		want  int
	}{
		{TierTrial, "haiku-3.5", 50},
		{TierTrial, "sonnet-3.7", 0},
		{TierPro, "haiku-3.5", 0},
		{TierPro, "sonnet-3.7", 500},
		{Tier("enterprise"), "haiku-3.5", 50},
	}
	for _, tc := range cases {
		got, err := table.LimitFor(tc.tier, tc.model)
		if err != nil {
			t.Fatalf("LimitFor(%s, %s): unexpected error %v", tc.tier, tc.model, err)
		}
		if got != tc.want {
			t.Fatalf("LimitFor(%s, %s): expected %d, got %d", tc.tier, tc.model, tc.want, got)
		}
	}
}

func TestLimitForUnknownModel(t *testing.T) {
	table := DefaultTable()
	for _, tier := range []Tier{TierTrial, TierPro} {
		if _, err := table.LimitFor(tier, "opus-9"); !errors.Is(err, ErrUnknownModel) {
			t.Fatalf("expected ErrUnknownModel for %s, got %v", tier, err)
		}
	}
}

func TestParseTier(t *testing.T) {
	if tier, ok := ParseTier(" PRO "); !ok || tier != TierPro {
		t.Fatalf("expected pro, got %s ok=%v", tier, ok)
	}
	if tier, ok := ParseTier("gold"); ok || tier != TierTrial {
		t.Fatalf("expected trial fallback, got %s ok=%v", tier, ok)
	}
}

func TestModelsSorted(t *testing.T) {
	models := DefaultTable().Models(TierPro)
	if len(models) != 2 || models[0] != "haiku-3.5" || models[1] != "sonnet-3.7" {
		t.Fatalf("unexpected models: %v", models)
	}
}
