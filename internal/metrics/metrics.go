package metrics

import "expvar"

var (
	SignalsReceived   = expvar.NewInt("signals_received")
	SignalsDuplicate  = expvar.NewInt("signals_duplicate")
	SignalsRateLimit  = expvar.NewInt("signals_rate_limited")
	SignalsRejected   = expvar.NewInt("signals_rejected")
	SignalsProcessed  = expvar.NewInt("signals_processed")
	SignalsDraining   = expvar.NewInt("signals_unavailable")
	AdapterRetries    = expvar.NewInt("adapter_retries")
	DispatchDropped   = expvar.NewInt("dispatch_dropped")
	RecordErrors      = expvar.NewInt("record_errors")
	AlertErrors       = expvar.NewInt("alert_errors")
	OutcomesByStatus  = expvar.NewMap("outcomes_by_status")
	OverallByStatus   = expvar.NewMap("overall_by_status")
	AdapterHealthFlip = expvar.NewInt("adapter_health_transitions")
)
