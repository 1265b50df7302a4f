package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

const DefaultLabelColumn = "y"

// CSVOptions selects columns from a headed CSV file. With no FeatureNames
// every column except the label and Ignore columns becomes a feature.
type CSVOptions struct {
	FeatureNames []string
	LabelColumn  string
	Ignore       []string
}

func LoadCSV(path string, opts CSVOptions) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	return ReadCSV(f, opts)
}

func ReadCSV(r io.Reader, opts CSVOptions) (*Dataset, error) {
	if opts.LabelColumn == "" {
		opts.LabelColumn = DefaultLabelColumn
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	labelIdx := slices.Index(header, opts.LabelColumn)
	if labelIdx < 0 {
		return nil, fmt.Errorf("%w: label column %q", ErrMissingColumn, opts.LabelColumn)
	}

	names := opts.FeatureNames
	if len(names) == 0 {
		for _, h := range header {
			if h == opts.LabelColumn || slices.Contains(opts.Ignore, h) {
				continue
			}
			names = append(names, h)
		}
	}

	cols := make([]int, len(names))
	for i, name := range names {
		idx := slices.Index(header, name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: feature %q", ErrMissingColumn, name)
		}
		cols[i] = idx
	}

	d := &Dataset{FeatureNames: slices.Clone(names)}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}

		x := make([]float64, len(cols))
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, header[c], err)
			}
			x[i] = v
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(record[labelIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d label: %w", line, err)
		}

		d.Features = append(d.Features, x)
		d.Labels = append(d.Labels, y)
	}

	if d.Len() == 0 {
		return nil, ErrEmpty
	}

	return d, nil
}
