package search

import (
	"context"
	"fmt"

	"github.com/cwbudde/polcomp/internal/device"
)

// scanAngles lists the absolute angles of a 1D sweep over r.
func (o *Optimizer) scanAngles(r device.Range) []float64 {
	const eps = 1e-9
	var out []float64
	for i := 0; ; i++ {
		a := r.Min + float64(i)*o.cfg.ScanStep
		if a >= r.Max-eps {
			break
		}
		out = append(out, a)
	}
	if o.cfg.IncludeUpperBound {
		out = append(out, r.Max)
	}
	return out
}

// LineSearch sweeps p across its range while measuring b and leaves it at the
// best angle seen. The starting position is measured first and counts as a
// candidate, so the result is never worse than the reading before the call.
// Ties keep the earlier candidate.
//
// b must already be selected on the sensor.
func (o *Optimizer) LineSearch(ctx context.Context, p device.Paddle, b device.Basis) (float64, error) {
	prev := o.phase
	o.phase = PhaseLine
	defer func() { o.phase = prev }()

	origin, err := o.act.Angle(ctx, p)
	if err != nil {
		return 0, err
	}
	best, err := o.measure(ctx, b)
	if err != nil {
		return 0, fmt.Errorf("line search origin: %w", err)
	}
	bestAngle := origin

	cur := origin
	for _, angle := range o.scanAngles(o.act.Range()) {
		res, err := o.moveTo(ctx, p, cur, angle)
		if err != nil {
			return 0, fmt.Errorf("line search %s: %w", p, err)
		}
		if res.Outcome == Skipped {
			continue
		}
		cur = angle
		v, err := o.measure(ctx, b)
		if err != nil {
			return 0, fmt.Errorf("line search %s at %.2f: %w", p, angle, err)
		}
		if v > best {
			best, bestAngle = v, angle
		}
	}

	if err := o.restore(ctx, p, bestAngle); err != nil {
		return 0, err
	}
	o.logger.Info("Line search done", "paddle", int(p), "basis", string(b), "angle", bestAngle, "visibility", best)
	return best, nil
}
