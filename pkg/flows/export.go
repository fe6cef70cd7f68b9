package flows

import (
	"github.com/openshaper/shaperd/pkg/log"
)

// ExportSink receives finished flows off the export channel. The
// default sink records a structured log event.
type ExportSink interface {
	ExportFlow(flow *FlowEntry)
}

// LogSink is the default export destination.
type LogSink struct{}

// ExportFlow writes one finished flow as a structured event.
func (LogSink) ExportFlow(flow *FlowEntry) {
	log.Logger.Debug().
		Str("local", flow.Key.LocalIP.Unmap().String()).
		Str("remote", flow.Key.RemoteIP.Unmap().String()).
		Uint16("src_port", flow.Key.SrcPort).
		Uint16("dst_port", flow.Key.DstPort).
		Uint8("protocol", flow.Key.IpProtocol).
		Str("protocol_name", flow.Enrichment.ProtocolName).
		Str("asn", flow.Enrichment.AsnName).
		Str("country", flow.Enrichment.Country).
		Uint64("bytes_up", flow.Record.BytesSent[0]).
		Uint64("bytes_down", flow.Record.BytesSent[1]).
		Uint64("duration_ns", flow.Record.LastSeenNanos-flow.Record.StartNanos).
		Msg("flow ended")
}

// RunExporter drains the export channel on its own thread until the
// stop channel closes.
func RunExporter(ch <-chan *FlowEntry, sink ExportSink, stop <-chan struct{}) {
	if sink == nil {
		sink = LogSink{}
	}
	for {
		select {
		case <-stop:
			// Drain whatever is already queued, then leave.
			for {
				select {
				case flow := <-ch:
					sink.ExportFlow(flow)
				default:
					return
				}
			}
		case flow := <-ch:
			sink.ExportFlow(flow)
		}
	}
}
