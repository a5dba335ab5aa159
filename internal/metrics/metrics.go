// Package metrics centralizes the registration of counters and meters
// for the DHT engine, in the style of go-ethereum's metrics package.
package metrics

import "github.com/rcrowley/go-metrics"

var reg = metrics.NewRegistry()

// Registry exposes the private registry for a host process to dump or
// report, e.g. via metrics.WriteOnce.
func Registry() metrics.Registry { return reg }

var (
	// Ticks counts calls to Rpc.tick.
	Ticks = metrics.NewRegisteredMeter("rpc/tick", reg)

	// RequestsSent and RequestsTimedOut count outbound KRPC queries.
	RequestsSent     = metrics.NewRegisteredMeter("rpc/request/sent", reg)
	RequestsTimedOut = metrics.NewRegisteredMeter("rpc/request/timeout", reg)

	// ResponsesIn and ErrorsIn count inbound KRPC responses/errors matched
	// to an in-flight transaction.
	ResponsesIn = metrics.NewRegisteredMeter("rpc/response/in", reg)
	ErrorsIn    = metrics.NewRegisteredMeter("rpc/error/in", reg)

	// QueriesStarted and QueriesDone count iterative (GET) queries.
	QueriesStarted = metrics.NewRegisteredMeter("rpc/query/started", reg)
	QueriesDone    = metrics.NewRegisteredMeter("rpc/query/done", reg)

	// PutSuccess and PutFailure count completed PUT queries by outcome.
	PutSuccess = metrics.NewRegisteredMeter("rpc/put/success", reg)
	PutFailure = metrics.NewRegisteredMeter("rpc/put/failure", reg)

	// RoutingTableSize is sampled by the caller after each maintenance pass.
	RoutingTableSize = metrics.NewRegisteredGauge("rpc/table/size", reg)

	// InvalidRecords counts dropped mutable/immutable records that failed
	// signature or content-address verification.
	InvalidRecords = metrics.NewRegisteredMeter("rpc/record/invalid", reg)
)
