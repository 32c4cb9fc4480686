package printer

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/search"
)

func plain(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestOutcomeSuccess(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	p := New(&buf)

	p.Outcome(search.Outcome{
		Success:       true,
		Cycles:        1,
		Mean:          0.975,
		FinalReadings: map[device.Basis]float64{device.BasisHV: 0.96, device.BasisDA: 0.99},
		Bases: []search.BasisResult{
			{Basis: device.BasisHV, Success: true, Visibility: 0.96, Threshold: 0.95, Attempts: 1},
			{Basis: device.BasisDA, Success: true, Visibility: 0.99, Threshold: 0.98, Attempts: 1},
		},
		Angles: map[device.Paddle]float64{2: 40, 1: 0, 3: 170},
	}, 0.95)

	out := buf.String()
	assert.Contains(t, out, "✓ Compensated after 1 cycle(s): mean visibility 0.9750 (target 0.9500)")
	assert.Contains(t, out, "DA  0.9900")
	assert.Contains(t, out, "HV  0.9600")
	assert.Contains(t, out, "satisfied")
	assert.Contains(t, out, "Final angles: paddle-1=0.00 paddle-2=40.00 paddle-3=170.00")
}

func TestOutcomeFailure(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	New(&buf).Outcome(search.Outcome{
		Cycles: 10,
		Mean:   0.8,
		Bases:  []search.BasisResult{{Basis: device.BasisHV, Threshold: 0.944, Attempts: 4}},
	}, 0.95)

	out := buf.String()
	assert.Contains(t, out, "Not compensated after 10 cycle(s)")
	assert.Contains(t, out, "exhausted")
	assert.NotContains(t, out, "Final angles")
}

func TestErrorSuggestions(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	err := New(&buf).Error("Bench busy", "Another run holds the bench.", []string{"Wait for it to finish", "Use --wait"})

	require.EqualError(t, err, "Bench busy")
	assert.Contains(t, buf.String(), "Either:\n  1. Wait for it to finish\n  2. Use --wait\n")
}
