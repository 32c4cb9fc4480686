package search

import (
	"context"
	"fmt"

	"github.com/cwbudde/polcomp/internal/device"
)

// Outcome is the result of Run.
type Outcome struct {
	Success bool `json:"success"`
	Cycles  int  `json:"cycles"`
	// FinalReadings are the fresh readings taken at the end of the last cycle.
	FinalReadings map[device.Basis]float64 `json:"finalReadings"`
	Mean          float64                  `json:"mean"`
	// Bases holds every Minimize result in execution order.
	Bases  []BasisResult             `json:"bases"`
	Angles map[device.Paddle]float64 `json:"angles"`
}

// Run executes the full procedure: optional homing, then up to
// MaxGlobalRetries cycles, each optimizing both bases in order and
// re-measuring them. A cycle succeeds when the mean of the fresh readings
// reaches GlobalTarget. Exhausting the cycles is not an error; only
// collaborator failures are.
func (o *Optimizer) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{FinalReadings: make(map[device.Basis]float64, len(o.cfg.Bases))}
	defer func() { o.cycle, o.phase = 0, "" }()

	if o.cfg.Home {
		if err := o.home(ctx); err != nil {
			return out, err
		}
	}

	for cycle := 1; cycle <= o.cfg.MaxGlobalRetries; cycle++ {
		o.cycle = cycle
		out.Cycles = cycle
		o.logger.Info("Cycle started", "cycle", cycle, "max", o.cfg.MaxGlobalRetries)

		for _, t := range o.cfg.Bases {
			r, err := o.Minimize(ctx, t.Basis, t.Visibility, o.cfg.MaxBasisRetries)
			out.Bases = append(out.Bases, r)
			if err != nil {
				return out, fmt.Errorf("cycle %d: %w", cycle, err)
			}
		}

		o.phase = PhaseGlobal
		var sum float64
		for _, t := range o.cfg.Bases {
			if err := o.sens.SelectBasis(ctx, t.Basis); err != nil {
				return out, fmt.Errorf("cycle %d: %w", cycle, err)
			}
			v, err := o.measure(ctx, t.Basis)
			if err != nil {
				return out, fmt.Errorf("cycle %d: final %s reading: %w", cycle, t.Basis, err)
			}
			out.FinalReadings[t.Basis] = v
			sum += v
		}
		out.Mean = sum / float64(len(o.cfg.Bases))
		out.Success = out.Mean >= o.cfg.GlobalTarget

		o.logger.Info("Cycle finished", "cycle", cycle, "mean", out.Mean,
			"target", o.cfg.GlobalTarget, "success", out.Success)
		o.emit(Event{Kind: EventCycleDone, Mean: out.Mean, Threshold: o.cfg.GlobalTarget, Success: out.Success})
		if out.Success {
			break
		}
	}

	angles, err := o.angles(ctx)
	if err != nil {
		return out, err
	}
	out.Angles = angles
	if !out.Success {
		o.logger.Warn("Global target not reached", "cycles", out.Cycles, "mean", out.Mean)
	}
	return out, nil
}

func (o *Optimizer) home(ctx context.Context) error {
	o.phase = PhaseHome
	for _, p := range o.act.Paddles() {
		if err := o.act.MoveAbsolute(ctx, p, o.cfg.HomeAngle); err != nil {
			return fmt.Errorf("home %s: %w", p, err)
		}
	}
	o.logger.Info("Paddles homed", "angle", o.cfg.HomeAngle)
	return nil
}
