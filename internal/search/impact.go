package search

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/cwbudde/polcomp/internal/device"
)

// Impact is the visibility change caused by perturbing one paddle.
type Impact struct {
	Paddle device.Paddle `json:"paddle"`
	Delta  float64       `json:"delta"`
	// Offset is the perturbation actually applied, 0 when neither direction
	// was within range.
	Offset float64 `json:"offset"`
}

// Ranking lists paddles by descending impact. Ties keep ascending paddle
// order.
type Ranking []Impact

// Paddles returns the paddle identities in ranked order.
func (r Ranking) Paddles() []device.Paddle {
	out := make([]device.Paddle, len(r))
	for i, im := range r {
		out[i] = im.Paddle
	}
	return out
}

// RankImpacts perturbs each paddle by the test angle, measures b and returns
// the paddle to where it started. Positive perturbation is tried first; when
// it is out of range the negative one is used. A paddle that can move in
// neither direction is ranked with zero impact.
//
// b must already be selected on the sensor.
func (o *Optimizer) RankImpacts(ctx context.Context, b device.Basis) (Ranking, error) {
	prev := o.phase
	o.phase = PhaseImpact
	defer func() { o.phase = prev }()

	baseline, err := o.measure(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("impact baseline: %w", err)
	}

	paddles := o.act.Paddles()
	ranking := make(Ranking, 0, len(paddles))
	for _, p := range paddles {
		start, err := o.act.Angle(ctx, p)
		if err != nil {
			return nil, err
		}

		res, err := o.perturb(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("perturb %s: %w", p, err)
		}
		if res.Outcome == Skipped {
			ranking = append(ranking, Impact{Paddle: p})
			continue
		}

		v, err := o.measure(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("impact of %s: %w", p, err)
		}
		if err := o.restore(ctx, p, start); err != nil {
			return nil, err
		}
		ranking = append(ranking, Impact{
			Paddle: p,
			Delta:  math.Abs(v - baseline),
			Offset: res.To - res.From,
		})
	}

	slices.SortStableFunc(ranking, func(a, b Impact) int {
		if c := cmp.Compare(b.Delta, a.Delta); c != 0 {
			return c
		}
		return cmp.Compare(a.Paddle, b.Paddle)
	})

	o.logger.Info("Paddle impacts ranked", "basis", string(b), "baseline", baseline, "order", ranking.Paddles())
	o.emit(Event{Kind: EventRanking, Basis: b, Visibility: baseline, Ranking: ranking})
	return ranking, nil
}

func (o *Optimizer) perturb(ctx context.Context, p device.Paddle) (MoveResult, error) {
	res, err := o.moveRelative(ctx, p, o.cfg.ImpactTestAngle)
	if err != nil || res.Outcome == Moved {
		return res, err
	}
	return o.moveRelative(ctx, p, -o.cfg.ImpactTestAngle)
}
