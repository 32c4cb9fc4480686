package search

import (
	"context"
	"fmt"

	"github.com/cwbudde/polcomp/internal/device"
)

// GridSearch evaluates every combination of GridOffsets around the current
// angles of pa and pb, skipping cells that fall outside the actuator range,
// and leaves both paddles at the best cell. Because the offsets contain 0 the
// starting cell is always evaluated. Positions are read back after each move
// so the recorded best matches what the actuator reached.
//
// b must already be selected on the sensor.
func (o *Optimizer) GridSearch(ctx context.Context, pa, pb device.Paddle, b device.Basis) (float64, error) {
	if pa == pb {
		return 0, fmt.Errorf("grid search needs two distinct paddles, got %s twice", pa)
	}
	prev := o.phase
	o.phase = PhaseGrid
	defer func() { o.phase = prev }()

	originA, err := o.act.Angle(ctx, pa)
	if err != nil {
		return 0, err
	}
	originB, err := o.act.Angle(ctx, pb)
	if err != nil {
		return 0, err
	}

	r := o.act.Range()
	best := -1.0
	bestA, bestB := originA, originB
	curA, curB := originA, originB

	for _, offA := range o.cfg.GridOffsets {
		ta := originA + offA
		if !r.Contains(ta) {
			o.logger.Debug("Grid cell outside range", "paddle", int(pa), "target", ta)
			continue
		}
		res, err := o.moveTo(ctx, pa, curA, ta)
		if err != nil {
			return 0, fmt.Errorf("grid search %s: %w", pa, err)
		}
		if res.Outcome == Skipped {
			continue
		}
		if curA, err = o.act.Angle(ctx, pa); err != nil {
			return 0, err
		}

		for _, offB := range o.cfg.GridOffsets {
			tb := originB + offB
			if !r.Contains(tb) {
				o.logger.Debug("Grid cell outside range", "paddle", int(pb), "target", tb)
				continue
			}
			res, err := o.moveTo(ctx, pb, curB, tb)
			if err != nil {
				return 0, fmt.Errorf("grid search %s: %w", pb, err)
			}
			if res.Outcome == Skipped {
				continue
			}
			if curB, err = o.act.Angle(ctx, pb); err != nil {
				return 0, err
			}

			v, err := o.measure(ctx, b)
			if err != nil {
				return 0, fmt.Errorf("grid search at (%.2f, %.2f): %w", curA, curB, err)
			}
			if v > best {
				best, bestA, bestB = v, curA, curB
			}
		}
	}

	if err := o.restore(ctx, pa, bestA); err != nil {
		return 0, err
	}
	if err := o.restore(ctx, pb, bestB); err != nil {
		return 0, err
	}
	if best < 0 {
		// nothing was evaluated; report the reading where we stand
		return o.measure(ctx, b)
	}
	o.logger.Info("Grid search done", "paddles", []int{int(pa), int(pb)}, "basis", string(b),
		"angles", []float64{bestA, bestB}, "visibility", best)
	return best, nil
}
