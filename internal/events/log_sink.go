package events

import (
	"context"

	"github.com/partsbay/harvester/internal/logger"
)

// LogSink writes decisions to the structured log. Rejections log at debug
// level so a normal run is not drowned in filter output.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a logging decision sink.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// Record logs one decision.
func (s *LogSink) Record(_ context.Context, d Decision) {
	fields := []logger.Field{
		logger.String("query", d.Query),
		logger.String("number", d.Number),
		logger.String("seller", d.Seller),
		logger.String("reason", d.Reason),
	}
	if d.Accepted {
		s.log.Info("entry accepted", fields...)
		return
	}
	s.log.Debug("entry rejected", fields...)
}

// NopSink discards decisions.
type NopSink struct{}

// NewNopSink creates a discarding decision sink.
func NewNopSink() *NopSink {
	return &NopSink{}
}

// Record discards the decision.
func (*NopSink) Record(context.Context, Decision) {}
