package push

import (
	"testing"

	"ridedispatch/internal/service"
)

func TestRoutingKey(t *testing.T) {
	testCases := []struct {
		in   service.NotificationType
		want string
	}{
		{service.NotificationOrderAvailable, "push.order_available"},
		{service.NotificationPaymentFailed, "push.payment_failed"},
		{service.NotificationRideCancelled, "push.ride_cancelled"},
	}

	for _, tc := range testCases {
		if got := RoutingKey(tc.in); got != tc.want {
			t.Errorf("RoutingKey(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
