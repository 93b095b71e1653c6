package executor

import (
	"fmt"
	"math"

	"github.com/inference-sim/inference-engine/engine"
)

// DefaultBetaCoeffs are step-time coefficients in microseconds:
// fixed overhead, per prefill token, per decode token, per draft node.
var DefaultBetaCoeffs = []float64{6000, 18, 120, 40}

// CostModel estimates step time using beta regression coefficients:
// beta0 + beta1*prefillTokens + beta2*decodeTokens + beta3*draftNodes.
type CostModel struct {
	betaCoeffs []float64
}

// NewCostModel validates coeffs and builds a CostModel. Three coefficients
// leave draft nodes free.
func NewCostModel(coeffs []float64) (*CostModel, error) {
	if len(coeffs) != 3 && len(coeffs) != 4 {
		return nil, fmt.Errorf("cost model: need 3 or 4 beta coefficients, got %d", len(coeffs))
	}
	if err := validateCoeffs("beta", coeffs); err != nil {
		return nil, err
	}
	betas := append([]float64(nil), coeffs...)
	if len(betas) == 3 {
		betas = append(betas, 0)
	}
	return &CostModel{betaCoeffs: betas}, nil
}

// StepTime returns the modelled duration of one pass in microseconds.
// Entries scheduling a single token past a sampled one count as decode;
// everything else is prefill.
func (m *CostModel) StepTime(batch *engine.Batch) int64 {
	var prefill, decode, drafts int64
	for i := range batch.Entries {
		e := &batch.Entries[i]
		if e.NumScheduledTokens == 1 && e.NumComputedTokens > 0 && e.NeedsLogits() {
			decode++
		} else {
			prefill += int64(e.NumScheduledTokens)
		}
		drafts += int64(len(e.DraftTokens))
	}
	var total float64
	total += m.betaCoeffs[0]
	total += m.betaCoeffs[1] * float64(prefill)
	total += m.betaCoeffs[2] * float64(decode)
	total += m.betaCoeffs[3] * float64(drafts)
	return int64(total)
}

// validateCoeffs checks for NaN, Inf or negative values in a coefficient slice.
func validateCoeffs(name string, coeffs []float64) error {
	for i, c := range coeffs {
		if math.IsNaN(c) {
			return fmt.Errorf("cost model: %s[%d] is NaN", name, i)
		}
		if math.IsInf(c, 0) {
			return fmt.Errorf("cost model: %s[%d] is Inf", name, i)
		}
		if c < 0 {
			return fmt.Errorf("cost model: %s[%d] is negative", name, i)
		}
	}
	return nil
}
