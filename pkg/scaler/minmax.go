// Package scaler implements the per-zone min-max normalization fitted on the
// training split and reused unchanged for prediction, validation and
// feedback.
package scaler

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// epsilon replaces the denominator of constant columns.
const epsilon = 1e-9

// MinMax maps every column into [0,1] using the extremes seen at fit time.
// Values outside the fitted range map outside [0,1]; callers clamp where
// they need to.
type MinMax struct {
	Columns []string  `json:"columns"`
	Min     []float64 `json:"min"`
	Max     []float64 `json:"max"`
}

// Fit learns per-column extremes from rows. Every row must have
// len(columns) entries.
func Fit(columns []string, rows [][]float64) (*MinMax, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("fit scaler: %w: no rows", airquality.ErrInsufficientData)
	}
	s := &MinMax{
		Columns: append([]string(nil), columns...),
		Min:     make([]float64, len(columns)),
		Max:     make([]float64, len(columns)),
	}
	for j := range columns {
		s.Min[j] = math.Inf(1)
		s.Max[j] = math.Inf(-1)
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("fit scaler: row %d: %w: got %d columns, want %d", i, airquality.ErrShapeMismatch, len(row), len(columns))
		}
		for j, v := range row {
			s.Min[j] = math.Min(s.Min[j], v)
			s.Max[j] = math.Max(s.Max[j], v)
		}
	}
	return s, nil
}

func (s *MinMax) span(j int) float64 {
	d := s.Max[j] - s.Min[j]
	if d < epsilon {
		return epsilon
	}
	return d
}

// Width returns the number of columns.
func (s *MinMax) Width() int { return len(s.Columns) }

// Index returns the position of a column, or -1.
func (s *MinMax) Index(column string) int {
	for i, c := range s.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

func (s *MinMax) check(row []float64) error {
	if s == nil {
		return fmt.Errorf("scaler: %w", airquality.ErrArtifactNotFound)
	}
	if len(row) != len(s.Columns) {
		return fmt.Errorf("scaler: %w: got %d columns, want %d", airquality.ErrShapeMismatch, len(row), len(s.Columns))
	}
	return nil
}

// TransformRow normalizes a single row into a new slice.
func (s *MinMax) TransformRow(row []float64) ([]float64, error) {
	if err := s.check(row); err != nil {
		return nil, err
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Min[j]) / s.span(j)
	}
	return out, nil
}

// Transform normalizes every row.
func (s *MinMax) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		r, err := s.TransformRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// InverseRow maps a normalized row back to physical units.
func (s *MinMax) InverseRow(row []float64) ([]float64, error) {
	if err := s.check(row); err != nil {
		return nil, err
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = v*s.span(j) + s.Min[j]
	}
	return out, nil
}

// Inverse maps every normalized row back to physical units.
func (s *MinMax) Inverse(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		r, err := s.InverseRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// TransformValue normalizes one value of the named column.
func (s *MinMax) TransformValue(j int, v float64) float64 {
	return (v - s.Min[j]) / s.span(j)
}

// InverseValue maps one normalized value of column j back.
func (s *MinMax) InverseValue(j int, v float64) float64 {
	return v*s.span(j) + s.Min[j]
}

// MarshalBinary encodes the scaler as JSON.
func (s *MinMax) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// Decode restores a scaler written by MarshalBinary.
func Decode(b []byte) (*MinMax, error) {
	var s MinMax
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}
	if len(s.Min) != len(s.Columns) || len(s.Max) != len(s.Columns) {
		return nil, fmt.Errorf("decode scaler: %w", airquality.ErrShapeMismatch)
	}
	return &s, nil
}
