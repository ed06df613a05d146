package billing

import (
	"testing"

	"reviewflow/internal/types"
)

func TestNewStaticPlanRegistry(t *testing.T) {
	reg := NewStaticPlanRegistry()
	if reg == nil {
		t.Fatal("NewStaticPlanRegistry returned nil")
	}
}

func TestGetLimits_TierTable(t *testing.T) {
	reg := NewStaticPlanRegistry()

	tests := []struct {
		tier         types.PlanTier
		wantInterval int
		wantTargets  int
		wantSources  int
	}{
		{types.PlanFree, 72, 1, 1},
		{types.PlanStarter, 24, 3, 2},
		{types.PlanPro, 12, 10, 3},
		{types.PlanBusiness, 6, 25, 4},
		{types.PlanEnterprise, 6, 0, 4},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			limits := reg.GetLimits(tt.tier)
			if limits.ScrapeIntervalHours != tt.wantInterval {
				t.Errorf("interval: got %d, want %d", limits.ScrapeIntervalHours, tt.wantInterval)
			}
			if limits.MaxTargets != tt.wantTargets {
				t.Errorf("max targets: got %d, want %d", limits.MaxTargets, tt.wantTargets)
			}
			if len(limits.Sources) != tt.wantSources {
				t.Errorf("sources: got %d, want %d", len(limits.Sources), tt.wantSources)
			}
		})
	}
}

func TestGetLimits_UnknownTierFallsBackToFree(t *testing.T) {
	reg := NewStaticPlanRegistry()
	limits := reg.GetLimits(types.PlanTier("platinum"))

	if limits.ScrapeIntervalHours != 72 {
		t.Errorf("unknown tier should get Free limits, got interval %d", limits.ScrapeIntervalHours)
	}
	if limits.MaxTargets != 1 {
		t.Errorf("unknown tier should get Free limits, got max targets %d", limits.MaxTargets)
	}
}

func TestEnablesSource(t *testing.T) {
	reg := NewStaticPlanRegistry()

	free := reg.GetLimits(types.PlanFree)
	if !free.EnablesSource(types.TargetGoogle) {
		t.Error("free tier must enable google")
	}
	if free.EnablesSource(types.TargetYelp) {
		t.Error("free tier must not enable yelp")
	}

	business := reg.GetLimits(types.PlanBusiness)
	for _, src := range types.AllTargetTypes {
		if !business.EnablesSource(src) {
			t.Errorf("business tier must enable %s", src)
		}
	}
}
