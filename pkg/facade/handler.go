package facade

import (
	"fmt"
	"strings"

	"github.com/openshaper/shaperd/pkg/bus"
	"github.com/openshaper/shaperd/pkg/flows"
)

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func topFlowCriterion(name string) flows.TopFlowCriterion {
	switch name {
	case "bytes":
		return flows.TopByBytes
	case "packets":
		return flows.TopByPackets
	case "retransmits", "drops":
		return flows.TopByRetransmits
	case "rtt":
		return flows.TopByRtt
	default:
		return flows.TopByRate
	}
}

// HandleBus is the request dispatcher for the local IPC socket.
func (f *Facade) HandleBus(request bus.Request) bus.Reply {
	switch request.Op {
	case bus.OpPing:
		return bus.Ok("Pong", "pong")

	case bus.OpGetCurrentThroughput:
		return bus.Ok("CurrentThroughput", f.CurrentThroughput())

	case bus.OpGetHostCounters:
		return bus.Ok("HostCounters", f.Tracker.HostCounters())

	case bus.OpGetTopNDownloaders:
		return bus.Ok("TopDownloaders", f.Tracker.TopN(request.Start, request.End))

	case bus.OpGetWorstRtt:
		return bus.Ok("WorstRtt", f.Tracker.WorstRtt(request.Start, request.End))

	case bus.OpGetWorstRetransmits:
		return bus.Ok("WorstRetransmits", f.Tracker.WorstRetransmits(request.Start, request.End))

	case bus.OpGetBestRtt:
		return bus.Ok("BestRtt", f.Tracker.BestRtt(request.Start, request.End))

	case bus.OpRttHistogram:
		n := request.N
		if n <= 0 {
			n = 20
		}
		return bus.Ok("RttHistogram", f.Tracker.RttHistogram(n))

	case bus.OpHostCounts:
		tracked, shaped := f.Tracker.HostCounts()
		return bus.Ok("HostCounts", map[string]int{"tracked": tracked, "shaped": shaped})

	case bus.OpAllUnknownIps:
		return bus.Ok("AllUnknownIps", f.Tracker.AllUnknownIPs())

	case bus.OpGetAllCircuits:
		return bus.Ok("AllCircuits", f.GetAllCircuits())

	case bus.OpGetFullNetworkMap:
		return bus.Ok("NetworkMap", f.GetFullNetworkMap())

	case bus.OpGetNetworkMapLayer:
		return bus.Ok("NetworkMapLayer", f.GetOneNetworkMapLayer(request.NodeIndex))

	case bus.OpGetTopNRootQueues:
		return bus.Ok("TopNRootQueues", f.GetTopNRootQueues(request.N))

	case bus.OpMapNodeNames:
		return bus.Ok("NodeNames", f.MapNodeNames(request.NodeIndices))

	case bus.OpGetFunnel:
		funnel, err := f.GetFunnel(request.CircuitID)
		if err != nil {
			return bus.Fail(err.Error())
		}
		return bus.Ok("Funnel", funnel)

	case bus.OpDumpActiveFlows:
		return bus.Ok("ActiveFlows", f.Flows.DumpActive())

	case bus.OpCountActiveFlows:
		return bus.Ok("FlowCount", f.Flows.CountActive())

	case bus.OpTopFlows:
		n := request.N
		if n <= 0 {
			n = 10
		}
		return bus.Ok("TopFlows", f.Flows.TopFlows(n, topFlowCriterion(request.Criterion)))

	case bus.OpFlowsByIp:
		matched, err := f.FlowsByIP(request.IP)
		if err != nil {
			return bus.Fail(err.Error())
		}
		return bus.Ok("FlowsByIp", matched)

	case bus.OpReload:
		if err := f.Reload(); err != nil {
			return bus.Fail(err.Error())
		}
		return bus.Ok(bus.KindAck, "reloaded")

	case bus.OpChangeSiteSpeedLive:
		f.ChangeSiteSpeedLive(request.SiteHash, request.DownloadMin, request.UploadMin, request.DownloadMax, request.UploadMax)
		return bus.Ok(bus.KindAck, "queued")

	default:
		return bus.Fail(fmt.Sprintf("unknown request %q", request.Op))
	}
}
