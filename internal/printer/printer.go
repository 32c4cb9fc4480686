// Package printer writes human-facing CLI output with color.
package printer

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/search"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Printer writes to one stream. Colors follow color.NoColor, which honours
// NO_COLOR and non-terminal output.
type Printer struct {
	w io.Writer
}

// New returns a printer on w, or stdout when w is nil.
func New(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{w: w}
}

// Success prints a green line with a check mark.
func (p *Printer) Success(format string, a ...any) {
	green.Fprintf(p.w, "✓ %s\n", fmt.Sprintf(format, a...))
}

// Warning prints a yellow line with a warning sign.
func (p *Printer) Warning(format string, a ...any) {
	yellow.Fprintf(p.w, "⚠️  %s\n", fmt.Sprintf(format, a...))
}

// Info prints a plain line.
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.w, format+"\n", a...)
}

// Header prints a cyan section title.
func (p *Printer) Header(format string, a ...any) {
	cyan.Fprintf(p.w, "%s\n", fmt.Sprintf(format, a...))
}

// Error prints a red title, an explanation and numbered suggestions, and
// returns a plain error carrying the title for cobra.
func (p *Printer) Error(title, explanation string, suggestions []string) error {
	red.Fprintf(p.w, "%s\n\n", title)
	fmt.Fprintf(p.w, "%s\n", explanation)
	if len(suggestions) > 0 {
		fmt.Fprintln(p.w)
		if len(suggestions) == 1 {
			fmt.Fprintf(p.w, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.w, "Either:\n")
			for i, s := range suggestions {
				fmt.Fprintf(p.w, "  %d. %s\n", i+1, s)
			}
		}
	}
	return fmt.Errorf("%s", title)
}

// Outcome prints a run summary: the verdict, each basis result and the final
// paddle angles.
func (p *Printer) Outcome(o search.Outcome, globalTarget float64) {
	if o.Success {
		p.Success("Compensated after %d cycle(s): mean visibility %.4f (target %.4f)", o.Cycles, o.Mean, globalTarget)
	} else {
		p.Warning("Not compensated after %d cycle(s): mean visibility %.4f (target %.4f)", o.Cycles, o.Mean, globalTarget)
	}

	bases := make([]device.Basis, 0, len(o.FinalReadings))
	for b := range o.FinalReadings {
		bases = append(bases, b)
	}
	slices.Sort(bases)
	for _, b := range bases {
		fmt.Fprintf(p.w, "  %-3s %.4f\n", b, o.FinalReadings[b])
	}

	if len(o.Bases) > 0 {
		p.Header("Basis attempts")
		for i, r := range o.Bases {
			mark := green.Sprint("satisfied")
			if !r.Success {
				mark = yellow.Sprint("exhausted")
			}
			fmt.Fprintf(p.w, "  %2d. %-3s %s  visibility %.4f  threshold %.4f  attempts %d\n",
				i+1, r.Basis, mark, r.Visibility, r.Threshold, r.Attempts)
		}
	}

	if len(o.Angles) > 0 {
		paddles := make([]device.Paddle, 0, len(o.Angles))
		for pd := range o.Angles {
			paddles = append(paddles, pd)
		}
		slices.Sort(paddles)
		parts := make([]string, len(paddles))
		for i, pd := range paddles {
			parts[i] = fmt.Sprintf("%s=%.2f", pd, o.Angles[pd])
		}
		p.Info("Final angles: %s", strings.Join(parts, " "))
	}
}
