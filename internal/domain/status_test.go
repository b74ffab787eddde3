package domain_test

import (
	"testing"

	"botline/internal/domain"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to domain.ExecutionStatus
		want     bool
	}{
		{domain.StatusBroadcasted, domain.StatusClaimed, true},
		{domain.StatusBroadcasted, domain.StatusInProgress, false},
		{domain.StatusBroadcasted, domain.StatusCompleted, false},
		{domain.StatusClaimed, domain.StatusInProgress, true},
		{domain.StatusClaimed, domain.StatusFailed, true},
		{domain.StatusClaimed, domain.StatusTimedout, true},
		{domain.StatusClaimed, domain.StatusCompleted, false},
		{domain.StatusClaimed, domain.StatusBroadcasted, false},
		{domain.StatusInProgress, domain.StatusInProgress, true},
		{domain.StatusInProgress, domain.StatusCompleted, true},
		{domain.StatusInProgress, domain.StatusFailed, true},
		{domain.StatusInProgress, domain.StatusTimedout, true},
		{domain.StatusInProgress, domain.StatusClaimed, false},
		{domain.StatusCompleted, domain.StatusInProgress, false},
		{domain.StatusFailed, domain.StatusBroadcasted, false},
		{domain.StatusTimedout, domain.StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := domain.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, from := range domain.Statuses() {
		if !from.Terminal() {
			continue
		}
		for _, to := range domain.Statuses() {
			if domain.CanTransition(from, to) {
				t.Errorf("terminal %s allows transition to %s", from, to)
			}
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range domain.Statuses() {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if domain.ExecutionStatus("pending").Valid() {
		t.Errorf("unknown status accepted")
	}
}
