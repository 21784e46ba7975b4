package clock

import "testing"

func TestTickIncrements(t *testing.T) {
	c := New("A")
	if got := c.Tick(); got != 0 {
		t.Fatalf("expected first tick to be 0, got %d", got)
	}
	if got := c.Tick(); got != 1 {
		t.Fatalf("expected second tick to be 1, got %d", got)
	}
}

func TestUpdateTakesMax(t *testing.T) {
	c := New("A")
	c.Tick() // counter -> 1
	got := c.Update(10)
	if got != 11 {
		t.Fatalf("expected update to jump to 11, got %d", got)
	}

	got = c.Update(3)
	if got != 12 {
		t.Fatalf("expected update below local counter to still increment local, got %d", got)
	}
}

func TestCompareOrdersByTimestampThenSender(t *testing.T) {
	a := Stamp{LogicalTimestamp: 5, SenderID: "A"}
	b := Stamp{LogicalTimestamp: 5, SenderID: "B"}
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b on sender tie-break")
	}
	if !HappenedBefore(a, b) {
		t.Fatalf("expected a happened-before b")
	}

	c := Stamp{LogicalTimestamp: 4, SenderID: "Z"}
	if !HappenedBefore(c, a) {
		t.Fatalf("expected lower timestamp to happen-before regardless of sender")
	}
}

func TestMonotonicityAcrossSameSender(t *testing.T) {
	c := New("A")
	first := c.StampNow()
	second := c.StampNow()
	if !HappenedBefore(first, second) {
		t.Fatalf("expected successive stamps from the same sender to be ordered")
	}
}

func TestResetReturnsToZero(t *testing.T) {
	c := New("A")
	c.Tick()
	c.Tick()
	c.Reset()
	if got := c.Peek(); got != 0 {
		t.Fatalf("expected reset counter to be 0, got %d", got)
	}
}
