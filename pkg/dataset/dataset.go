// Package dataset holds a role's horizontally partitioned training examples.
package dataset

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

var (
	ErrEmpty           = errors.New("dataset is empty")
	ErrInvalidBatch    = errors.New("batch size must be positive")
	ErrMissingColumn   = errors.New("column not found")
	ErrRaggedFeatures  = errors.New("examples have different feature counts")
	ErrInvalidArgument = errors.New("invalid argument")
)

type Dataset struct {
	FeatureNames []string
	Features     [][]float64
	Labels       []float64
}

// Batch is a contiguous slice of a dataset. Index is its position within the
// epoch.
type Batch struct {
	Index    int
	Features [][]float64
	Labels   []float64
}

func (b Batch) Len() int {
	return len(b.Labels)
}

func New(featureNames []string, features [][]float64, labels []float64) (*Dataset, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("%w: %d feature rows, %d labels", ErrInvalidArgument, len(features), len(labels))
	}
	for i := range features {
		if len(features[i]) != len(features[0]) {
			return nil, fmt.Errorf("%w: row %d has %d features, row 0 has %d", ErrRaggedFeatures, i, len(features[i]), len(features[0]))
		}
	}

	return &Dataset{FeatureNames: featureNames, Features: features, Labels: labels}, nil
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

func (d *Dataset) NumFeatures() int {
	if len(d.Features) == 0 {
		return len(d.FeatureNames)
	}

	return len(d.Features[0])
}

// NumBatches is ceil(Len/batchSize).
func (d *Dataset) NumBatches(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}

	return (d.Len() + batchSize - 1) / batchSize
}

// Batch returns batch i of size batchSize; the final batch may be short.
func (d *Dataset) Batch(i, batchSize int) (Batch, error) {
	if batchSize <= 0 {
		return Batch{}, ErrInvalidBatch
	}
	n := d.NumBatches(batchSize)
	if n == 0 {
		return Batch{}, ErrEmpty
	}
	if i < 0 || i >= n {
		return Batch{}, fmt.Errorf("%w: batch %d of %d", ErrInvalidArgument, i, n)
	}

	lo := i * batchSize
	hi := min(lo+batchSize, d.Len())

	return Batch{
		Index:    i,
		Features: d.Features[lo:hi],
		Labels:   d.Labels[lo:hi],
	}, nil
}

// Shuffle returns a permuted copy; the receiver is unchanged.
func (d *Dataset) Shuffle(seed uint64) *Dataset {
	rng := rand.New(rand.NewPCG(seed, 0x73687566))
	perm := rng.Perm(d.Len())

	out := &Dataset{
		FeatureNames: slices.Clone(d.FeatureNames),
		Features:     make([][]float64, d.Len()),
		Labels:       make([]float64, d.Len()),
	}
	for i, j := range perm {
		out.Features[i] = d.Features[j]
		out.Labels[i] = d.Labels[j]
	}

	return out
}

// Partition splits the dataset into n disjoint, near-equal shards in order.
func (d *Dataset) Partition(n int) ([]*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: partition count %d", ErrInvalidArgument, n)
	}

	parts := make([]*Dataset, n)
	size, rem := d.Len()/n, d.Len()%n
	lo := 0
	for i := range n {
		hi := lo + size
		if i < rem {
			hi++
		}
		parts[i] = &Dataset{
			FeatureNames: slices.Clone(d.FeatureNames),
			Features:     d.Features[lo:hi],
			Labels:       d.Labels[lo:hi],
		}
		lo = hi
	}

	return parts, nil
}

// Synthetic draws Gaussian blobs, one per class, with unit variance around
// centers spaced along each axis. Labels are class indices.
func Synthetic(n, features, classes int, seed uint64) (*Dataset, error) {
	if n <= 0 || features <= 0 || classes < 2 {
		return nil, fmt.Errorf("%w: n=%d features=%d classes=%d", ErrInvalidArgument, n, features, classes)
	}

	rng := rand.New(rand.NewPCG(seed, 0x73796e74))
	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, features)
		for j := range centers[c] {
			centers[c][j] = 3 * rng.NormFloat64()
		}
	}

	names := make([]string, features)
	for j := range names {
		names[j] = fmt.Sprintf("x%d", j)
	}

	d := &Dataset{
		FeatureNames: names,
		Features:     make([][]float64, n),
		Labels:       make([]float64, n),
	}
	for i := range n {
		c := rng.IntN(classes)
		x := make([]float64, features)
		for j := range x {
			x[j] = centers[c][j] + rng.NormFloat64()
		}
		d.Features[i] = x
		d.Labels[i] = float64(c)
	}

	return d, nil
}
