package tokenguard

import (
	"io"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/tokenguard/internal/audit"
)

// AuditEvent is a structured security event emitted by the Engine.
type AuditEvent = internalaudit.Event

// AuditSeverity ranks audit events for alerting.
type AuditSeverity = internalaudit.Severity

const (
	AuditSeverityInfo     = internalaudit.SeverityInfo
	AuditSeverityWarning  = internalaudit.SeverityWarning
	AuditSeverityCritical = internalaudit.SeverityCritical
)

// AuditSink receives audit events from the Engine's dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink discards every event.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers events in a channel for in-process consumers.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink logs events through a zap logger.
type ZapSink = internalaudit.ZapSink

// NewChannelSink returns a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing JSON lines to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZapSink returns a sink logging to logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}
