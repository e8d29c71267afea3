package models

import (
	"testing"
)

func TestSubscriptionMatches(t *testing.T) {
	sub := &WebhookSubscription{
		Active: true,
		Events: []EventType{EventJobCompleted, EventJobFailed},
	}

	if !sub.Matches(EventJobCompleted) {
		t.Error("expected match on subscribed event")
	}
	if sub.Matches(EventJobProgress) {
		t.Error("expected no match on unsubscribed event")
	}
}

func TestSubscriptionEmptyMaskMatchesAll(t *testing.T) {
	sub := &WebhookSubscription{Active: true}
	for _, event := range AllEventTypes() {
		if !sub.Matches(event) {
			t.Errorf("empty mask should match %s", event)
		}
	}
}

func TestInactiveSubscriptionNeverMatches(t *testing.T) {
	sub := &WebhookSubscription{
		Active: false,
		Events: []EventType{EventJobCompleted},
	}
	if sub.Matches(EventJobCompleted) {
		t.Error("inactive subscription should not match")
	}
}

func TestDeliveryTransitions(t *testing.T) {
	allowed := []struct{ from, to DeliveryStatus }{
		{DeliveryPending, DeliverySuccess},
		{DeliveryPending, DeliveryFailed},
		{DeliveryPending, DeliveryRetrying},
		{DeliveryRetrying, DeliverySuccess},
		{DeliveryRetrying, DeliveryFailed},
		{DeliveryRetrying, DeliveryExhausted},
		{DeliveryRetrying, DeliveryRetrying},
	}
	for _, tc := range allowed {
		if !ValidDeliveryTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	refused := []struct{ from, to DeliveryStatus }{
		{DeliveryPending, DeliveryExhausted},
		{DeliverySuccess, DeliveryRetrying},
		{DeliveryFailed, DeliveryRetrying},
		{DeliveryExhausted, DeliveryRetrying},
		{DeliverySuccess, DeliveryFailed},
	}
	for _, tc := range refused {
		if ValidDeliveryTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be refused", tc.from, tc.to)
		}
	}
}

func TestDeliveryTerminalStates(t *testing.T) {
	for _, s := range []DeliveryStatus{DeliverySuccess, DeliveryFailed, DeliveryExhausted} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []DeliveryStatus{DeliveryPending, DeliveryRetrying} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestAttemptSucceeded(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, true}, {201, true}, {204, true}, {299, true},
		{0, false}, {199, false}, {301, false}, {404, false}, {500, false},
	}
	for _, tc := range cases {
		attempt := DeliveryAttempt{StatusCode: tc.code}
		if got := attempt.Succeeded(); got != tc.want {
			t.Errorf("status %d: Succeeded = %v, want %v", tc.code, got, tc.want)
		}
	}
}
