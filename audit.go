package hybridauth

import (
	"io"

	"github.com/MrEthical07/hybridauth/internal/audit"
	"github.com/MrEthical07/hybridauth/logging"
)

// AuditEvent is a structured security event handed to an AuditSink.
type AuditEvent = audit.Event

// AuditSink receives audit events. Delivery is fire-and-forget.
type AuditSink = audit.Sink

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	LogSink        = audit.LogSink
	MultiSink      = audit.MultiSink
)

// NewChannelSink returns a sink that buffers events on a channel.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON document per event to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewLogSink logs events through l.
func NewLogSink(l logging.Logger) *LogSink {
	return audit.NewLogSink(l)
}
