package order

import (
	"math/rand"
	"testing"
)

func TestCanTransitionMainChain(t *testing.T) {
	chain := []Status{StatusPending, StatusAccepted, StatusConfirmed, StatusPreparing, StatusReady, StatusCompleted}
	for i := 0; i < len(chain)-1; i++ {
		if !CanTransition(chain[i], chain[i+1]) {
			t.Errorf("expected %s -> %s to be legal", chain[i], chain[i+1])
		}
		if CanTransition(chain[i+1], chain[i]) {
			t.Errorf("expected %s -> %s to be illegal", chain[i+1], chain[i])
		}
	}
}

func TestCanTransitionForwardJumps(t *testing.T) {
	// Lost intermediate events: a later state can be the first one seen.
	if !CanTransition(StatusPending, StatusReady) {
		t.Error("pending -> ready jump should be legal")
	}
	if !CanTransition(StatusAccepted, StatusCompleted) {
		t.Error("accepted -> completed jump should be legal")
	}
}

func TestCanTransitionSideExits(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRejected, true},
		{StatusAccepted, StatusRejected, true},
		{StatusConfirmed, StatusRejected, false},
		{StatusPreparing, StatusRejected, false},
		{StatusAccepted, StatusCancelled, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusPreparing, StatusCancelled, true},
		{StatusPending, StatusCancelled, false},
		{StatusReady, StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled, StatusRejected} {
		for to := range statusRank {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	if CanTransition(StatusPending, Status("burnt")) {
		t.Error("unknown target status must be rejected")
	}
	if CanTransition(Status("burnt"), StatusReady) {
		t.Error("unknown source status must be rejected")
	}
	if Status("burnt").Rank() != -1 {
		t.Error("unknown status should rank below pending")
	}
}

// Applying any permutation of a set of main-chain events through the
// transition guard must converge to the highest-ranked state in the set.
func TestShuffledDeliveryConverges(t *testing.T) {
	events := []Status{StatusAccepted, StatusConfirmed, StatusPreparing, StatusReady}
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		shuffled := append([]Status(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		state := StatusPending
		for _, next := range shuffled {
			if CanTransition(state, next) {
				state = next
			}
		}
		if state != StatusReady {
			t.Fatalf("trial %d: order %v converged to %s, want %s", trial, shuffled, state, StatusReady)
		}
	}
}
