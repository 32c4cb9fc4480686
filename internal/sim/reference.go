package sim

import (
	"context"
	"fmt"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/opt"
)

// Reference is the best compensation found offline for a scenario. A closed
// loop run can be judged by its gap to Mean.
type Reference struct {
	Angles      []float64                `json:"angles"`
	Visibility  map[device.Basis]float64 `json:"visibility"`
	Mean        float64                  `json:"mean"`
	Evaluations int                      `json:"evaluations"`
}

// ReferenceOptimum searches the noiseless model of sc for the paddle angles
// that maximize the mean HV and DA visibility.
func ReferenceOptimum(ctx context.Context, sc *Scenario, m opt.Minimizer) (Reference, error) {
	model := sc.Model()
	cost := func(x []float64) float64 {
		return 1 - (model.Visibility(device.BasisHV, x)+model.Visibility(device.BasisDA, x))/2
	}

	sol, err := m.Minimize(ctx, opt.Problem{
		Cost:  cost,
		Dim:   model.Paddles(),
		Lower: sc.Range.Min,
		Upper: sc.Range.Max,
	})
	if err != nil {
		return Reference{}, fmt.Errorf("reference optimum for %q: %w", sc.Name, err)
	}

	hv := model.Visibility(device.BasisHV, sol.X)
	da := model.Visibility(device.BasisDA, sol.X)
	return Reference{
		Angles:      sol.X,
		Visibility:  map[device.Basis]float64{device.BasisHV: hv, device.BasisDA: da},
		Mean:        (hv + da) / 2,
		Evaluations: sol.Evaluations,
	}, nil
}
