package backoff

import (
	"testing"
	"time"
)

func TestDelayDoubles(t *testing.T) {
	p := Default()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, expect := range want {
		if got := p.Delay(attempt); got != expect {
			t.Errorf("Delay(%d) = %s, want %s", attempt, got, expect)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := Default()
	for attempt := 5; attempt < 20; attempt++ {
		if got := p.Delay(attempt); got != p.Cap {
			t.Errorf("Delay(%d) = %s, want cap %s", attempt, got, p.Cap)
		}
	}
}

func TestDelayNegativeAttempt(t *testing.T) {
	if got := Default().Delay(-3); got != DefaultBase {
		t.Errorf("Delay(-3) = %s, want %s", got, DefaultBase)
	}
}

func TestExhausted(t *testing.T) {
	p := Default()
	if p.Exhausted(4) {
		t.Error("attempt 4 should be within a 5-attempt budget")
	}
	if !p.Exhausted(5) {
		t.Error("attempt 5 should exhaust a 5-attempt budget")
	}
}

func TestTrackingPolicyMoreGenerous(t *testing.T) {
	def, tracking := Default(), Tracking()
	if tracking.MaxAttempts <= def.MaxAttempts {
		t.Errorf("tracking budget %d should exceed default %d",
			tracking.MaxAttempts, def.MaxAttempts)
	}
	if tracking.Cap != def.Cap || tracking.Base != def.Base {
		t.Error("tracking policy should only differ in attempt budget")
	}
}
