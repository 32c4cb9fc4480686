package search

import (
	"context"
	"fmt"

	"github.com/cwbudde/polcomp/internal/device"
)

// BasisResult summarizes one Minimize call.
type BasisResult struct {
	Basis device.Basis `json:"basis"`
	// Target is the requested threshold, Threshold the one in force when the
	// call ended.
	Target     float64 `json:"target"`
	Threshold  float64 `json:"threshold"`
	Visibility float64 `json:"visibility"`
	Attempts   int     `json:"attempts"`
	Success    bool    `json:"success"`
	// SatisfiedBy names the phase whose reading met the threshold.
	SatisfiedBy Phase `json:"satisfiedBy,omitempty"`
}

// Minimize drives b up to target, trying at most maxAttempts times. Each
// attempt selects the basis, measures, and if still short ranks the paddles
// and runs a 1D scan on the most influential one, then a 2D scan on the two
// most influential. The threshold is lowered by RelaxStep only between
// attempts, so it never drops more than (maxAttempts-1)*RelaxStep.
func (o *Optimizer) Minimize(ctx context.Context, b device.Basis, target float64, maxAttempts int) (BasisResult, error) {
	if maxAttempts < 1 {
		return BasisResult{}, &ConfigError{Field: "maxAttempts", Reason: "must be at least 1"}
	}

	prevBasis, prevAttempt := o.basis, o.attempt
	o.basis = b
	defer func() { o.basis, o.attempt = prevBasis, prevAttempt }()

	res := BasisResult{Basis: b, Target: target, Threshold: target}
	threshold := target
	o.attempt = 0
	o.transition(StateInit, threshold)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.attempt = attempt
		res.Attempts = attempt
		res.Threshold = threshold

		ok, err := o.attemptBasis(ctx, b, threshold, &res)
		if err != nil {
			return res, fmt.Errorf("basis %s attempt %d: %w", b, attempt, err)
		}
		if ok {
			res.Success = true
			o.transition(StateSatisfied, threshold)
			o.logger.Info("Basis satisfied", "basis", string(b), "visibility", res.Visibility,
				"threshold", threshold, "attempt", attempt, "by", string(res.SatisfiedBy))
			o.emit(Event{Kind: EventBasisDone, Visibility: res.Visibility, Threshold: threshold, Success: true})
			return res, nil
		}

		if attempt < maxAttempts {
			threshold -= o.cfg.RelaxStep
			o.transition(StateRelaxing, threshold)
		}
	}

	o.transition(StateExhausted, threshold)
	o.logger.Warn("Basis attempts exhausted", "basis", string(b), "visibility", res.Visibility,
		"threshold", threshold, "attempts", maxAttempts)
	o.emit(Event{Kind: EventBasisDone, Visibility: res.Visibility, Threshold: threshold})
	return res, nil
}

func (o *Optimizer) attemptBasis(ctx context.Context, b device.Basis, threshold float64, res *BasisResult) (bool, error) {
	satisfied := func(v float64, by Phase) bool {
		res.Visibility = v
		if v >= threshold {
			res.SatisfiedBy = by
			return true
		}
		return false
	}

	if err := o.sens.SelectBasis(ctx, b); err != nil {
		return false, err
	}

	o.transition(StateMeasuring, threshold)
	prev := o.phase
	o.phase = PhaseCheck
	defer func() { o.phase = prev }()
	v, err := o.measure(ctx, b)
	if err != nil {
		return false, err
	}
	if satisfied(v, PhaseCheck) {
		return true, nil
	}

	ranking, err := o.RankImpacts(ctx, b)
	if err != nil {
		return false, err
	}
	if len(ranking) == 0 {
		return false, nil
	}

	o.transition(StateSearching1D, threshold)
	v, err = o.LineSearch(ctx, ranking[0].Paddle, b)
	if err != nil {
		return false, err
	}
	if satisfied(v, PhaseLine) {
		return true, nil
	}

	if len(ranking) < 2 {
		return false, nil
	}
	o.transition(StateSearching2D, threshold)
	v, err = o.GridSearch(ctx, ranking[0].Paddle, ranking[1].Paddle, b)
	if err != nil {
		return false, err
	}
	return satisfied(v, PhaseGrid), nil
}
