package escrow

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusCreated, StatusFunded},
		{StatusCreated, StatusCompleted},
		{StatusCreated, StatusCancelled},
		{StatusFunded, StatusCompleted},
		{StatusFunded, StatusDisputed},
		{StatusDisputed, StatusResolved},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	all := []Status{StatusCreated, StatusFunded, StatusCompleted, StatusDisputed, StatusResolved, StatusCancelled}
	isAllowed := func(from, to Status) bool {
		for _, tc := range allowed {
			if tc.from == from && tc.to == to {
				return true
			}
		}
		return false
	}
	for _, from := range all {
		for _, to := range all {
			if isAllowed(from, to) {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("expected %s -> %s to be illegal", from, to)
			}
		}
	}
}

func TestTerminalStatusesAdmitNoTransitions(t *testing.T) {
	all := []Status{StatusCreated, StatusFunded, StatusCompleted, StatusDisputed, StatusResolved, StatusCancelled}
	for _, s := range all {
		if !s.Terminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(s, to) {
				t.Errorf("terminal status %s must not transition to %s", s, to)
			}
		}
	}

	for _, s := range []Status{StatusCompleted, StatusResolved, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusFunded, StatusDisputed} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
