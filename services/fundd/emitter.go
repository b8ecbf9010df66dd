package main

import (
	"log/slog"

	"github.com/romain-mg/unknownfinance/fund"
	"github.com/romain-mg/unknownfinance/observability"
	"github.com/romain-mg/unknownfinance/observability/logging"
)

// eventEmitter publishes engine events to the structured log and the metrics
// registry. User addresses and amounts pass through the redaction layer; the
// event type and rejection reason are the only plaintext facts.
type eventEmitter struct {
	logger  *slog.Logger
	metrics *observability.FundMetrics
}

func newEventEmitter(logger *slog.Logger) *eventEmitter {
	return &eventEmitter{logger: logger, metrics: observability.Fund()}
}

func (e *eventEmitter) Emit(event *fund.Event) {
	if e == nil || event == nil {
		return
	}
	attrs := make([]any, 0, 2*len(event.Attributes)+2)
	attrs = append(attrs, slog.String("component", "engine"))
	for key, value := range event.Attributes {
		attrs = append(attrs, logging.MaskField(key, value))
	}
	e.logger.Info(event.Type, attrs...)

	switch event.Type {
	case fund.EventTypeDepositRejected:
		e.metrics.RecordRefund("mint", event.Attributes["reason"])
	case fund.EventTypeBurnRejected:
		e.metrics.RecordRefund("burn", event.Attributes["reason"])
	case fund.EventTypeMintBatchExecuted:
		e.metrics.RecordBatchFlush("mint")
	case fund.EventTypeBurnBatchExecuted:
		e.metrics.RecordBatchFlush("burn")
	case fund.EventTypeSharesMinted:
		e.metrics.RecordSettlement("mint", "settled")
	case fund.EventTypeSharesBurned:
		e.metrics.RecordSettlement("burn", "settled")
	case fund.EventTypeRequestExpired:
		e.metrics.RecordRefund("correlator", "expired")
	}
}

var _ fund.Emitter = (*eventEmitter)(nil)
