package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestNewCorrelationIDPrefix(t *testing.T) {
	id := NewCorrelationID()
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+26 {
		t.Fatalf("unexpected correlation id %q", id)
	}
}
