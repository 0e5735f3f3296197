package models

import (
	"testing"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/features"
)

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }

func pointAt(i int) features.Point {
	p := features.Point{Time: testStart.Add(hours(i))}
	p.Base[0] = float64(i)
	return p
}

func TestWindow_PushEvictsOldest(t *testing.T) {
	seed := []features.Point{pointAt(0), pointAt(1), pointAt(2), pointAt(3), pointAt(4)}
	w := NewWindow(3, seed)
	if w.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", w.Len())
	}
	assertOrder(t, w, 2, 3, 4)

	w.Push(pointAt(5))
	assertOrder(t, w, 3, 4, 5)
	if w.Last().Base[0] != 5 {
		t.Errorf("Last() = %v, want 5", w.Last().Base[0])
	}

	for i := 6; i < 11; i++ {
		w.Push(pointAt(i))
	}
	assertOrder(t, w, 8, 9, 10)
}

func TestWindow_PartiallyFilled(t *testing.T) {
	w := NewWindow(4, nil)
	w.Push(pointAt(7))
	w.Push(pointAt(8))
	assertOrder(t, w, 7, 8)
}

func TestWindow_PointsIsACopy(t *testing.T) {
	w := NewWindow(2, []features.Point{pointAt(1), pointAt(2)})
	pts := w.Points()
	pts[0].Base[0] = 99
	assertOrder(t, w, 1, 2)
}

func assertOrder(t *testing.T, w *Window, want ...float64) {
	t.Helper()
	pts := w.Points()
	if len(pts) != len(want) {
		t.Fatalf("len(Points) = %d, want %d", len(pts), len(want))
	}
	for i, p := range pts {
		if p.Base[0] != want[i] {
			t.Errorf("Points[%d] = %v, want %v", i, p.Base[0], want[i])
		}
	}
}
