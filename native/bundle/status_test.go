package bundle

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusCreated:            false,
		StatusSubmitted:          false,
		StatusExecuted:           true,
		StatusFailed:             true,
		StatusExpired:            true,
		StatusExecutionMonitored: false,
		StatusCancelMonitored:    false,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s terminal=%v want %v", status, got, want)
		}
	}
	if Status(7).Valid() {
		t.Fatalf("status 7 must be invalid")
	}
}

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		prev, next Status
		ok         bool
	}{
		{StatusCreated, StatusSubmitted, true},
		{StatusSubmitted, StatusSubmitted, true},
		{StatusSubmitted, StatusExecutionMonitored, true},
		{StatusExecutionMonitored, StatusExecuted, true},
		{StatusExecutionMonitored, StatusCancelMonitored, true},
		{StatusCancelMonitored, StatusFailed, true},
		{StatusSubmitted, StatusExpired, true},
		{StatusExecuted, StatusExecuted, true},
		{StatusSubmitted, StatusCreated, false},
		{StatusExecuted, StatusSubmitted, false},
		{StatusExecuted, StatusFailed, false},
		{StatusExpired, StatusExecuted, false},
		{StatusCancelMonitored, StatusExecuted, false},
		{StatusExecutionMonitored, StatusSubmitted, false},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.prev, tc.next)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.prev, tc.next, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s -> %s: expected regression error", tc.prev, tc.next)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus(2); err != nil || s != StatusExecuted {
		t.Fatalf("parse 2: %v %v", s, err)
	}
	if _, err := ParseStatus(9); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
