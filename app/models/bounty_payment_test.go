package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBountyPaymentCanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from string
		to   string
		want bool
	}{
		{BountyPaymentStatusUnfunded, BountyPaymentStatusPending, true},
		{BountyPaymentStatusUnfunded, BountyPaymentStatusFunded, true},
		{BountyPaymentStatusPending, BountyPaymentStatusFunded, true},
		{BountyPaymentStatusPending, BountyPaymentStatusUnfunded, true},
		{BountyPaymentStatusFunded, BountyPaymentStatusTransferred, true},
		{BountyPaymentStatusFunded, BountyPaymentStatusRefunded, true},

		{BountyPaymentStatusFunded, BountyPaymentStatusUnfunded, false},
		{BountyPaymentStatusFunded, BountyPaymentStatusPending, false},
		{BountyPaymentStatusUnfunded, BountyPaymentStatusUnfunded, false},
		{BountyPaymentStatusTransferred, BountyPaymentStatusRefunded, false},
		{BountyPaymentStatusTransferred, BountyPaymentStatusFunded, false},
		{BountyPaymentStatusRefunded, BountyPaymentStatusTransferred, false},
		{BountyPaymentStatusRefunded, BountyPaymentStatusUnfunded, false},
		{"bogus", BountyPaymentStatusFunded, false},
		{BountyPaymentStatusUnfunded, "bogus", false},
	}
	for _, tt := range tests {
		p := &BountyPayment{Status: tt.from}
		assert.Equal(t, tt.want, p.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
