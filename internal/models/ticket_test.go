package models

import (
	"testing"
	"time"
)

func TestServiceDuration(t *testing.T) {
	called := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	started := called.Add(2 * time.Minute)
	completed := started.Add(5 * time.Minute)

	cases := []struct {
		name   string
		ticket Ticket
		want   time.Duration
		ok     bool
	}{
		{"from service start", Ticket{CalledAt: &called, ServiceStartedAt: &started, CompletedAt: &completed}, 5 * time.Minute, true},
		{"falls back to call", Ticket{CalledAt: &called, CompletedAt: &completed}, 7 * time.Minute, true},
		{"not completed", Ticket{CalledAt: &called}, 0, false},
		{"never called", Ticket{CompletedAt: &completed}, 0, false},
	}
	for _, tc := range cases {
		got, ok := tc.ticket.ServiceDuration()
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: expected %v/%v, got %v/%v", tc.name, tc.want, tc.ok, got, ok)
		}
	}
}
