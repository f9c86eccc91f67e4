package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionPnLBySide(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name string
		side PositionSide
		want string
	}{
		{name: "long gains on rise", side: PositionLong, want: "20"},
		{name: "short loses on rise", side: PositionShort, want: "-20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ExecutionPosition{
				Side:       tt.side,
				EntryPrice: d("10"),
				Quantity:   d("10"),
				Status:     PositionStatusOpen,
			}.WithPrice(d("12"))
			assert.True(t, p.UnrealizedPnL().Equal(d(tt.want)), p.UnrealizedPnL().String())
		})
	}
}

func TestPositionClose(t *testing.T) {
	d := decimal.RequireFromString
	at := time.Unix(1_700_000_000, 0)
	p := ExecutionPosition{ID: "p-1", Side: PositionLong, EntryPrice: d("2"), Quantity: d("5"), Status: PositionStatusOpen}

	closed, err := p.Close(d("3"), at)
	require.NoError(t, err)
	assert.Equal(t, PositionStatusOpen, p.Status)
	assert.Equal(t, PositionStatusClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Equal(d("5")))
	assert.True(t, closed.UnrealizedPnL().IsZero())
	assert.Equal(t, OrderSideSell, closed.CloseSide())

	_, err = closed.Close(d("4"), at)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
