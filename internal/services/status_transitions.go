package services

import (
	domain "github.com/ferncart/api/internal/domain"
)

// orderStatusTransitions enumerates the legal lifecycle moves. Cancelled and
// refunded are terminal and never appear as keys.
var orderStatusTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {domain.OrderStatusRefunded},
}

// paymentStatusTransitions covers the provider-reported payment lifecycle.
// Failed payments may be retried, so failed can move back to pending or
// straight to paid.
var paymentStatusTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending: {domain.PaymentStatusPaid, domain.PaymentStatusFailed},
	domain.PaymentStatusPaid:    {domain.PaymentStatusRefunded},
	domain.PaymentStatusFailed:  {domain.PaymentStatusPending, domain.PaymentStatusPaid},
}

// CanTransitionOrder reports whether an order may move from current to target.
// Self transitions are not in the table and are rejected; repeating the same
// request is the idempotency layer's job, not the lifecycle's.
func CanTransitionOrder(current, target domain.OrderStatus) bool {
	for _, allowed := range orderStatusTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// NextOrderStatuses returns the statuses reachable from current. The slice is
// a copy and safe to mutate.
func NextOrderStatuses(current domain.OrderStatus) []domain.OrderStatus {
	allowed := orderStatusTransitions[current]
	if len(allowed) == 0 {
		return nil
	}
	out := make([]domain.OrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

// CanTransitionPayment reports whether a payment status change is legal.
func CanTransitionPayment(current, target domain.PaymentStatus) bool {
	if current == target {
		return true
	}
	for _, allowed := range paymentStatusTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// cancellableStatuses are the order states from which a cancellation is
// accepted. Later states require the refund flow instead.
var cancellableStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:   {},
	domain.OrderStatusConfirmed: {},
}

func isCancellable(status domain.OrderStatus) bool {
	_, ok := cancellableStatuses[status]
	return ok
}
