package controller

import (
	"testing"
	"time"

	"github.com/HueCodes/zeno/internal/models"
	"github.com/HueCodes/zeno/internal/policy"
)

func BenchmarkDecide(b *testing.B) {
	ctrl := testController()
	p := testPolicy(policy.ModeBalanced, 10)
	in := Input{
		Repository: "acme/api",
		State:      models.CapacityState{DedicatedTotal: 1, DedicatedBusy: 1, DynamicTotal: 4, DynamicBusy: 3},
		Forecast:   &models.DemandForecast{Value: 7, Confidence: 0.8},
		Policy:     p,
		Now:        time.Now(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ctrl.Decide(in)
	}
}
