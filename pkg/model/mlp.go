package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MLPSpec describes a network with at most one ReLU hidden layer. With
// Hidden == 0 the network is a linear (softmax or least squares) model.
type MLPSpec struct {
	Inputs  int
	Hidden  int
	Outputs int
	Task    Task
	// Alpha is the L2 penalty on weights (not biases).
	Alpha float64
}

type MLP struct {
	spec MLPSpec
}

var _ Model = (*MLP)(nil)

func NewMLP(spec MLPSpec) (*MLP, error) {
	switch {
	case spec.Inputs <= 0:
		return nil, fmt.Errorf("%w: inputs must be positive, got %d", ErrInvalidSpec, spec.Inputs)
	case spec.Hidden < 0:
		return nil, fmt.Errorf("%w: hidden units must be non-negative, got %d", ErrInvalidSpec, spec.Hidden)
	case spec.Alpha < 0:
		return nil, fmt.Errorf("%w: alpha must be non-negative, got %v", ErrInvalidSpec, spec.Alpha)
	}

	switch spec.Task {
	case Classification:
		if spec.Outputs < 2 {
			return nil, fmt.Errorf("%w: classification needs at least 2 classes, got %d", ErrInvalidSpec, spec.Outputs)
		}
	case Regression:
		spec.Outputs = 1
	default:
		return nil, fmt.Errorf("%w: unknown task %q", ErrInvalidSpec, spec.Task)
	}

	return &MLP{spec: spec}, nil
}

func (m *MLP) Spec() MLPSpec {
	return m.spec
}

func (m *MLP) NumParams() int {
	s := m.spec
	if s.Hidden == 0 {
		return s.Outputs*s.Inputs + s.Outputs
	}

	return s.Hidden*s.Inputs + s.Hidden + s.Outputs*s.Hidden + s.Outputs
}

// layers are views over a flat vector; writing to them writes the vector.
type layers struct {
	w1 *mat.Dense
	b1 *mat.VecDense
	w2 *mat.Dense
	b2 *mat.VecDense
}

func (m *MLP) view(v []float64) layers {
	s := m.spec
	if s.Hidden == 0 {
		n := s.Outputs * s.Inputs
		return layers{
			w2: mat.NewDense(s.Outputs, s.Inputs, v[:n]),
			b2: mat.NewVecDense(s.Outputs, v[n:n+s.Outputs]),
		}
	}

	o := 0
	w1 := mat.NewDense(s.Hidden, s.Inputs, v[o:o+s.Hidden*s.Inputs])
	o += s.Hidden * s.Inputs
	b1 := mat.NewVecDense(s.Hidden, v[o:o+s.Hidden])
	o += s.Hidden
	w2 := mat.NewDense(s.Outputs, s.Hidden, v[o:o+s.Outputs*s.Hidden])
	o += s.Outputs * s.Hidden
	b2 := mat.NewVecDense(s.Outputs, v[o:o+s.Outputs])

	return layers{w1: w1, b1: b1, w2: w2, b2: b2}
}

// Init uses He-uniform weights and zero biases.
func (m *MLP) Init(seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, 0x6d6c70))
	params := make([]float64, m.NumParams())
	l := m.view(params)

	fill := func(d *mat.Dense) {
		r, c := d.Dims()
		limit := math.Sqrt(6 / float64(c))
		for i := range r {
			for j := range c {
				d.Set(i, j, (2*rng.Float64()-1)*limit)
			}
		}
	}
	if l.w1 != nil {
		fill(l.w1)
	}
	fill(l.w2)

	return params
}

type activations struct {
	z1  *mat.VecDense
	a1  *mat.VecDense
	out *mat.VecDense
}

func (m *MLP) forward(l layers, x []float64) activations {
	s := m.spec
	xv := mat.NewVecDense(s.Inputs, x)

	var act activations
	in := mat.Vector(xv)
	if l.w1 != nil {
		act.z1 = mat.NewVecDense(s.Hidden, nil)
		act.z1.MulVec(l.w1, xv)
		act.z1.AddVec(act.z1, l.b1)
		act.a1 = mat.NewVecDense(s.Hidden, nil)
		for i := range s.Hidden {
			act.a1.SetVec(i, math.Max(0, act.z1.AtVec(i)))
		}
		in = act.a1
	}

	act.out = mat.NewVecDense(s.Outputs, nil)
	act.out.MulVec(l.w2, in)
	act.out.AddVec(act.out, l.b2)
	if s.Task == Classification {
		softmax(act.out.RawVector().Data)
	}

	return act
}

func (m *MLP) checkShapes(params []float64, features [][]float64) error {
	if len(params) != m.NumParams() {
		return fmt.Errorf("%w: got %d parameters, want %d", ErrShapeMismatch, len(params), m.NumParams())
	}
	for i, x := range features {
		if len(x) != m.spec.Inputs {
			return fmt.Errorf("%w: example %d has %d features, want %d", ErrShapeMismatch, i, len(x), m.spec.Inputs)
		}
	}

	return nil
}

func (m *MLP) Forward(params []float64, features [][]float64) ([][]float64, error) {
	if err := m.checkShapes(params, features); err != nil {
		return nil, err
	}

	l := m.view(params)
	out := make([][]float64, len(features))
	for i, x := range features {
		act := m.forward(l, x)
		out[i] = append([]float64(nil), act.out.RawVector().Data...)
		if floats.HasNaN(out[i]) {
			return nil, fmt.Errorf("%w: forward pass of example %d", ErrNonFinite, i)
		}
	}

	return out, nil
}

func (m *MLP) Backward(params []float64, features [][]float64, labels []float64) ([][]float64, error) {
	if err := m.checkShapes(params, features); err != nil {
		return nil, err
	}
	if len(labels) != len(features) {
		return nil, fmt.Errorf("%w: %d labels for %d examples", ErrShapeMismatch, len(labels), len(features))
	}

	s := m.spec
	l := m.view(params)
	grads := make([][]float64, len(features))

	for i, x := range features {
		act := m.forward(l, x)

		dz2 := mat.NewVecDense(s.Outputs, nil)
		dz2.CopyVec(act.out)
		switch s.Task {
		case Classification:
			class, err := classIndex(labels[i], s.Outputs)
			if err != nil {
				return nil, fmt.Errorf("example %d: %w", i, err)
			}
			dz2.SetVec(class, dz2.AtVec(class)-1)
		case Regression:
			dz2.SetVec(0, dz2.AtVec(0)-labels[i])
		}

		g := make([]float64, len(params))
		gl := m.view(g)
		xv := mat.NewVecDense(s.Inputs, x)

		in := mat.Vector(xv)
		if gl.w1 != nil {
			in = act.a1
		}
		gl.w2.Outer(1, dz2, in)
		gl.b2.CopyVec(dz2)

		if gl.w1 != nil {
			da1 := mat.NewVecDense(s.Hidden, nil)
			da1.MulVec(l.w2.T(), dz2)
			for j := range s.Hidden {
				if act.z1.AtVec(j) <= 0 {
					da1.SetVec(j, 0)
				}
			}
			gl.w1.Outer(1, da1, xv)
			gl.b1.CopyVec(da1)
		}

		if s.Alpha > 0 {
			m.addWeightDecay(g, params)
		}

		for _, v := range g {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: gradient of example %d", ErrNonFinite, i)
			}
		}
		grads[i] = g
	}

	return grads, nil
}

func (m *MLP) addWeightDecay(g, params []float64) {
	gl, pl := m.view(g), m.view(params)
	if gl.w1 != nil {
		gl.w1.Add(gl.w1, scaled(m.spec.Alpha, pl.w1))
	}
	gl.w2.Add(gl.w2, scaled(m.spec.Alpha, pl.w2))
}

// Evaluate reports mean loss (cross-entropy or half squared error, without the
// L2 term) and, for classification, accuracy.
func (m *MLP) Evaluate(params []float64, features [][]float64, labels []float64) (Metrics, error) {
	if len(features) == 0 {
		return Metrics{}, nil
	}
	preds, err := m.Forward(params, features)
	if err != nil {
		return Metrics{}, err
	}
	if len(labels) != len(preds) {
		return Metrics{}, fmt.Errorf("%w: %d labels for %d examples", ErrShapeMismatch, len(labels), len(preds))
	}

	var loss float64
	correct := 0
	for i, p := range preds {
		switch m.spec.Task {
		case Classification:
			class, err := classIndex(labels[i], m.spec.Outputs)
			if err != nil {
				return Metrics{}, err
			}
			loss -= math.Log(math.Max(p[class], 1e-12))
			if floats.MaxIdx(p) == class {
				correct++
			}
		case Regression:
			d := p[0] - labels[i]
			loss += 0.5 * d * d
		}
	}

	n := float64(len(preds))
	metrics := Metrics{Loss: loss / n}
	if m.spec.Task == Classification {
		metrics.Accuracy = float64(correct) / n
	}

	return metrics, nil
}

func scaled(alpha float64, a *mat.Dense) *mat.Dense {
	var d mat.Dense
	d.Scale(alpha, a)

	return &d
}

func classIndex(label float64, classes int) (int, error) {
	c := int(label)
	if float64(c) != label || c < 0 || c >= classes {
		return 0, fmt.Errorf("%w: %v is not a class in [0, %d)", ErrInvalidLabel, label, classes)
	}

	return c, nil
}

func softmax(z []float64) {
	m := floats.Max(z)
	for i := range z {
		z[i] = math.Exp(z[i] - m)
	}
	floats.Scale(1/floats.Sum(z), z)
}
