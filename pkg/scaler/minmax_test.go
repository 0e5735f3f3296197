package scaler

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

func TestFit_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cols := []string{"a", "b", "c"}
	rows := make([][]float64, 50)
	for i := range rows {
		rows[i] = []float64{rng.Float64() * 100, rng.NormFloat64()*5 - 20, 1e4 + rng.Float64()}
	}

	s, err := Fit(cols, rows)
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	norm, err := s.Transform(rows)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	back, err := s.Inverse(norm)
	if err != nil {
		t.Fatalf("Inverse() error = %v", err)
	}

	for i := range rows {
		for j := range rows[i] {
			if math.Abs(back[i][j]-rows[i][j]) > 1e-9*math.Max(1, math.Abs(rows[i][j])) {
				t.Fatalf("round trip [%d][%d] = %v, want %v", i, j, back[i][j], rows[i][j])
			}
			if norm[i][j] < -1e-12 || norm[i][j] > 1+1e-12 {
				t.Errorf("normalized value out of range: %v", norm[i][j])
			}
		}
	}
}

func TestFit_ConstantColumn(t *testing.T) {
	s, err := Fit([]string{"k"}, [][]float64{{7}, {7}, {7}})
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	out, err := s.TransformRow([]float64{7})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(out[0]) || math.IsInf(out[0], 0) || out[0] != 0 {
		t.Errorf("constant column transform = %v, want 0", out[0])
	}
	back, _ := s.InverseRow(out)
	if back[0] != 7 {
		t.Errorf("constant column inverse = %v, want 7", back[0])
	}
}

func TestNilScaler(t *testing.T) {
	var s *MinMax
	if _, err := s.TransformRow([]float64{1}); !errors.Is(err, airquality.ErrArtifactNotFound) {
		t.Errorf("nil scaler error = %v, want ErrArtifactNotFound", err)
	}
}

func TestShapeMismatch(t *testing.T) {
	s, _ := Fit([]string{"a", "b"}, [][]float64{{1, 2}, {3, 4}})
	if _, err := s.TransformRow([]float64{1}); !errors.Is(err, airquality.ErrShapeMismatch) {
		t.Errorf("error = %v, want ErrShapeMismatch", err)
	}
	if _, err := Fit([]string{"a"}, [][]float64{{1, 2}}); !errors.Is(err, airquality.ErrShapeMismatch) {
		t.Errorf("Fit error = %v, want ErrShapeMismatch", err)
	}
	if _, err := Fit([]string{"a"}, nil); !errors.Is(err, airquality.ErrInsufficientData) {
		t.Errorf("Fit(nil) error = %v, want ErrInsufficientData", err)
	}
}

func TestDecode(t *testing.T) {
	s, _ := Fit([]string{"a", "b"}, [][]float64{{1, 2}, {3, 8}})
	b, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Index("b") != 1 || got.Max[1] != 8 || got.Min[0] != 1 {
		t.Errorf("decoded scaler = %+v", got)
	}
	if _, err := Decode([]byte(`{"columns":["a"],"min":[],"max":[]}`)); !errors.Is(err, airquality.ErrShapeMismatch) {
		t.Errorf("Decode(bad) error = %v", err)
	}
}
