package synckey

import (
	"errors"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	k, err := Parse("{6eb04a4c-aa29-4b0f-9b9f-4f3e1a9817dd}17")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if k.Series != "6eb04a4c-aa29-4b0f-9b9f-4f3e1a9817dd" {
		t.Errorf("wrong series: %s", k.Series)
	}
	if k.Counter != 17 {
		t.Errorf("wrong counter: %d", k.Counter)
	}
	if got := k.String(); got != "{6eb04a4c-aa29-4b0f-9b9f-4f3e1a9817dd}17" {
		t.Errorf("String roundtrip: %s", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"0",
		"{abc}",
		"abc}1",
		"{abc}-1",
		"{ab c}1",
		"{abc}1x",
		"{}1",
	}
	for _, s := range bad {
		if _, err := Parse(s); !errors.Is(err, ErrProtocol) {
			t.Errorf("Parse(%q): expected ErrProtocol, got %v", s, err)
		}
	}
}

func TestParseBootstrapGeneration(t *testing.T) {
	k, err := Parse("{abc-123}0")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if k.Counter != 0 {
		t.Errorf("expected generation 0, got %d", k.Counter)
	}
}

func TestNewStartsAtOne(t *testing.T) {
	k := New()
	if k.Counter != 1 {
		t.Errorf("New() counter = %d, want 1", k.Counter)
	}
	if k.Series == "" {
		t.Error("New() produced empty series")
	}
	// Fresh series every time.
	if other := New(); other.Series == k.Series {
		t.Error("two New() calls yielded the same series")
	}
}

func TestNextAndPrev(t *testing.T) {
	k := Key{Series: "s", Counter: 5}
	if n := k.Next(); n.Counter != 6 || n.Series != "s" {
		t.Errorf("Next: %+v", n)
	}
	p, ok := k.Prev()
	if !ok || p.Counter != 4 {
		t.Errorf("Prev: %+v ok=%v", p, ok)
	}
	zero := Key{Series: "s", Counter: 0}
	if _, ok := zero.Prev(); ok {
		t.Error("Prev of generation 0 should not exist")
	}
}

func TestSameSeries(t *testing.T) {
	a := Key{Series: "g1", Counter: 1}
	b := Key{Series: "g1", Counter: 9}
	c := Key{Series: "g2", Counter: 1}
	if !a.SameSeries(b) {
		t.Error("a and b share a series")
	}
	if a.SameSeries(c) {
		t.Error("a and c do not share a series")
	}
}
