package sim

import (
	"math"
	"math/cmplx"

	"github.com/cwbudde/polcomp/internal/device"
)

// jones is a 2x2 Jones matrix acting on (H, V) amplitudes.
type jones [2][2]complex128

type state [2]complex128

func identity() jones {
	return jones{{1, 0}, {0, 1}}
}

func (a jones) mul(b jones) jones {
	var out jones
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j]
		}
	}
	return out
}

func (a jones) apply(s state) state {
	return state{
		a[0][0]*s[0] + a[0][1]*s[1],
		a[1][0]*s[0] + a[1][1]*s[1],
	}
}

func rotation(theta float64) jones {
	c, s := complex(math.Cos(theta), 0), complex(math.Sin(theta), 0)
	return jones{{c, -s}, {s, c}}
}

// retarder returns a linear retarder with its fast axis at theta (radians)
// and a retardance of waves wavelengths.
func retarder(theta, waves float64) jones {
	half := math.Pi * waves
	d := jones{
		{cmplx.Exp(complex(0, -half)), 0},
		{0, cmplx.Exp(complex(0, half))},
	}
	return rotation(theta).mul(d).mul(rotation(-theta))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// probe is the input state whose survival defines visibility in a basis.
func probe(b device.Basis) (state, bool) {
	switch b {
	case device.BasisHV:
		return state{1, 0}, true
	case device.BasisDA:
		r := complex(1/math.Sqrt2, 0)
		return state{r, r}, true
	}
	return state{}, false
}

// fidelity returns |<s|U|s>|^2.
func fidelity(u jones, s state) float64 {
	w := u.apply(s)
	inner := cmplx.Conj(s[0])*w[0] + cmplx.Conj(s[1])*w[1]
	a := cmplx.Abs(inner)
	return a * a
}

// Model is the noiseless optics: an unknown fiber followed by the paddles.
type Model struct {
	retardance []float64
	fiber      jones
}

// NewModel builds the optics from paddle retardances (in waves) and the
// waveplates making up the fiber.
func NewModel(paddles []float64, fiber []Waveplate) Model {
	f := identity()
	for _, w := range fiber {
		f = retarder(radians(w.Angle), w.Retardance).mul(f)
	}
	return Model{retardance: append([]float64(nil), paddles...), fiber: f}
}

// Paddles returns the number of paddles.
func (m Model) Paddles() int {
	return len(m.retardance)
}

// Visibility returns the ideal visibility of b with paddles at angles
// (degrees). Light crosses the fiber first, then paddle 1, 2, ...
func (m Model) Visibility(b device.Basis, angles []float64) float64 {
	s, ok := probe(b)
	if !ok {
		return 0
	}
	u := m.fiber
	for i, waves := range m.retardance {
		var a float64
		if i < len(angles) {
			a = angles[i]
		}
		u = retarder(radians(a), waves).mul(u)
	}
	return math.Min(1, math.Max(0, fidelity(u, s)))
}
