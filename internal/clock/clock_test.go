package clock

import (
	"testing"
	"time"
)

func TestMockAdvances(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	m := NewMock(start)
	if !m.Now().Equal(start) {
		t.Fatalf("mock start = %v, want %v", m.Now(), start)
	}
	m.Add(90 * time.Second)
	if got := m.WallNow(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("wall now = %v", got)
	}
	if m.WallNow().Location() != time.UTC {
		t.Fatalf("wall now must be UTC")
	}
}

func TestRealWallNowStripsMonotonic(t *testing.T) {
	c := Real()
	wall := c.WallNow()
	if wall.String() != wall.Round(0).String() {
		t.Fatalf("wall clock still carries monotonic reading: %s", wall)
	}
	if c.Now().Sub(wall) > time.Second {
		t.Fatalf("now and wall now diverge")
	}
}
