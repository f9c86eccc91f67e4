package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// orderTransitions lists the statuses reachable from each non-final status.
// Final statuses have no entry.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusSubmitted, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled,
		OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired,
	},
}

// IsFinal reports whether no further transition is allowed from s.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderTransition records one status change.
type OrderTransition struct {
	From OrderStatus
	To   OrderStatus
	At   time.Time
}

// Order is an immutable order value. Every lifecycle method returns a new
// Order and leaves the receiver untouched.
type Order struct {
	ID              string
	ExchangeOrderID string
	UserID          string
	TargetID        string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal // limit price, zero for market orders
	FilledQuantity  decimal.Decimal
	FilledNotional  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          OrderStatus
	RejectReason    string
	CreatedAt       time.Time
	SubmittedAt     *time.Time
	FilledAt        *time.Time
	CancelledAt     *time.Time
	History         []OrderTransition
}

// NewOrder returns a pending order.
func NewOrder(id, userID, targetID, symbol string, side OrderSide, typ OrderType, qty, price decimal.Decimal, at time.Time) Order {
	return Order{
		ID:        id,
		UserID:    userID,
		TargetID:  targetID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Price:     price,
		Status:    OrderStatusPending,
		CreatedAt: at,
	}
}

// transition copies o, moves it to status to and appends the history entry.
func (o Order) transition(to OrderStatus, at time.Time) (Order, error) {
	if !CanTransition(o.Status, to) {
		return o, fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, to, ErrInvalidTransition)
	}
	next := o
	next.History = make([]OrderTransition, len(o.History), len(o.History)+1)
	copy(next.History, o.History)
	next.History = append(next.History, OrderTransition{From: o.Status, To: to, At: at})
	next.Status = to
	return next, nil
}

// Submit marks the order as accepted by the exchange.
func (o Order) Submit(exchangeOrderID string, at time.Time) (Order, error) {
	next, err := o.transition(OrderStatusSubmitted, at)
	if err != nil {
		return o, err
	}
	next.ExchangeOrderID = exchangeOrderID
	next.SubmittedAt = &at
	return next, nil
}

// Fill applies an execution of qty at price. The order becomes filled once
// the cumulative quantity reaches the requested quantity; a fill that would
// exceed it is rejected.
func (o Order) Fill(qty, price decimal.Decimal, at time.Time) (Order, error) {
	if !qty.IsPositive() {
		return o, fmt.Errorf("order %s: fill quantity %s: %w", o.ID, qty, ErrValidation)
	}
	total := o.FilledQuantity.Add(qty)
	if total.GreaterThan(o.Quantity) {
		return o, fmt.Errorf("order %s: fill %s exceeds requested %s: %w", o.ID, total, o.Quantity, ErrValidation)
	}

	to := OrderStatusPartiallyFilled
	if total.Equal(o.Quantity) {
		to = OrderStatusFilled
	}

	var next Order
	if o.Status == OrderStatusPartiallyFilled && to == OrderStatusPartiallyFilled {
		// Additional partial fill: quantity grows, status stays.
		next = o
		next.History = append([]OrderTransition(nil), o.History...)
	} else {
		var err error
		next, err = o.transition(to, at)
		if err != nil {
			return o, err
		}
	}

	next.FilledQuantity = total
	next.FilledNotional = o.FilledNotional.Add(price.Mul(qty))
	next.AvgFillPrice = next.FilledNotional.Div(total)
	if to == OrderStatusFilled {
		next.FilledAt = &at
	}
	return next, nil
}

// Cancel cancels the order.
func (o Order) Cancel(at time.Time) (Order, error) {
	next, err := o.transition(OrderStatusCancelled, at)
	if err != nil {
		return o, err
	}
	next.CancelledAt = &at
	return next, nil
}

// Reject marks the order as refused by the exchange.
func (o Order) Reject(reason string, at time.Time) (Order, error) {
	next, err := o.transition(OrderStatusRejected, at)
	if err != nil {
		return o, err
	}
	next.RejectReason = reason
	return next, nil
}

// Expire marks the order as expired.
func (o Order) Expire(at time.Time) (Order, error) {
	return o.transition(OrderStatusExpired, at)
}

// Notional returns the quote amount filled so far.
func (o Order) Notional() decimal.Decimal {
	return o.FilledNotional
}

// OrderRequest is what the trade execution capability receives.
type OrderRequest struct {
	ClientOrderID string          `validate:"required"`
	Symbol        string          `validate:"required,uppercase"`
	Side          OrderSide       `validate:"required,oneof=buy sell"`
	Type          OrderType       `validate:"required,oneof=MARKET LIMIT"`
	Quantity      decimal.Decimal // base asset quantity
	QuoteQuantity decimal.Decimal // alternative for market buys
	Price         decimal.Decimal
}

// OrderResult wraps the exchange response after order submission.
type OrderResult struct {
	Success         bool
	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgPrice        decimal.Decimal
	Message         string
	ShouldRetry     bool
}
