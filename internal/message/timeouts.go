package message

import "time"

// Timeout clamps. The three windows nest: each per-emit fits inside the
// delivery window, which fits inside the handler window.
const (
	minTimeout         = 100 * time.Millisecond
	maxDeliveryTimeout = 3 * time.Second
	handlerMargin      = 1 * time.Second
	deliveryMargin     = 2 * time.Second
	perEmitMargin      = 50 * time.Millisecond
	minPerEmit         = 50 * time.Millisecond
)

// Timeouts carries the clamped budgets for one send operation.
type Timeouts struct {
	// Handler bounds the whole sendMessage handler.
	Handler time.Duration

	// Delivery bounds the acknowledgement collection across all recipient
	// sessions.
	Delivery time.Duration

	// PerEmit bounds each individual session emit.
	PerEmit time.Duration
}

// SafeTimeouts derives nested timeout budgets from a client-supplied hint.
// The hint is advisory only; every window is clamped so a hostile or buggy
// client cannot stretch the handler beyond the server's own limits nor shrink
// it below a workable floor.
func SafeTimeouts(clientHint, defaultRequest, ackTimeout time.Duration) Timeouts {
	if clientHint <= 0 {
		clientHint = defaultRequest
	}

	handler := clientHint - handlerMargin
	if handler < minTimeout {
		handler = minTimeout
	}

	delivery := clientHint - deliveryMargin
	if delivery < minTimeout {
		delivery = minTimeout
	}
	if delivery > ackTimeout {
		delivery = ackTimeout
	}
	if delivery > maxDeliveryTimeout {
		delivery = maxDeliveryTimeout
	}

	perEmit := delivery - perEmitMargin
	if perEmit < minPerEmit {
		perEmit = minPerEmit
	}

	return Timeouts{Handler: handler, Delivery: delivery, PerEmit: perEmit}
}
