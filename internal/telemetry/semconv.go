// Package telemetry provides semantic conventions for tally observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tally-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Trading attributes
	AttrExchange  = attribute.Key("exchange")
	AttrPair      = attribute.Key("pair")
	AttrStrategy  = attribute.Key("strategy")
	AttrSide      = attribute.Key("side")
	AttrOperation = attribute.Key("operation")
	AttrAsset     = attribute.Key("asset")

	// Order attributes
	AttrOrderStatus = attribute.Key("order.status")
	AttrResolution  = attribute.Key("resolution")
	AttrOrderType   = attribute.Key("order.type")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")
	AttrResult    = attribute.Key("result")

	// Actor attributes
	AttrMailbox = attribute.Key("mailbox")

	// Transport attributes
	AttrStream = attribute.Key("stream")
)

// Resolution values recorded when a pending order is reconciled.
const (
	ResolutionNoChange   = "no_change"
	ResolutionFilled     = "filled"
	ResolutionBadRequest = "bad_request"
	ResolutionRetryable  = "retryable"
	ResolutionRejected   = "rejected"
	ResolutionCancelled  = "cancelled"
)

// Helper functions for creating common attribute sets

// OrderAttributes returns common attributes for order lifecycle metrics.
func OrderAttributes(environment, exchange, pair, side, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrPair.String(pair),
		AttrSide.String(side),
		AttrOrderStatus.String(status),
	}
}

// SignalAttributes returns common attributes for signal metrics.
func SignalAttributes(environment, strategy, exchange, pair, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrExchange.String(exchange),
		AttrPair.String(pair),
		AttrOperation.String(operation),
	}
}

// ResolutionAttributes returns attributes for pending order resolution metrics.
func ResolutionAttributes(environment, exchange, resolution string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrResolution.String(resolution),
	}
}

// BalanceAttributes returns attributes for balance and margin metrics.
func BalanceAttributes(environment, exchange, asset string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrAsset.String(asset),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// MailboxAttributes returns attributes for actor mailbox metrics.
func MailboxAttributes(environment, mailbox string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMailbox.String(mailbox),
	}
}

// StreamAttributes returns attributes for venue stream transport metrics.
func StreamAttributes(environment, exchange, stream string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrStream.String(stream),
	}
}

// OperationResultAttributes returns attributes for venue operation metrics with result classification.
func OperationResultAttributes(environment, exchange, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
