// Package bus implements the local request/reply IPC: length-framed
// CBOR over a Unix-domain socket.
package bus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Request operations understood by the daemon.
const (
	OpPing                 = "Ping"
	OpGetCurrentThroughput = "GetCurrentThroughput"
	OpGetHostCounters      = "GetHostCounters"
	OpGetTopNDownloaders   = "GetTopNDownloaders"
	OpGetWorstRtt          = "GetWorstRtt"
	OpGetWorstRetransmits  = "GetWorstRetransmits"
	OpGetBestRtt           = "GetBestRtt"
	OpRttHistogram         = "RttHistogram"
	OpHostCounts           = "HostCounts"
	OpAllUnknownIps        = "AllUnknownIps"
	OpGetAllCircuits       = "GetAllCircuits"
	OpGetFullNetworkMap    = "GetFullNetworkMap"
	OpGetNetworkMapLayer   = "GetOneNetworkMapLayer"
	OpGetTopNRootQueues    = "GetTopNRootQueues"
	OpMapNodeNames         = "MapNodeNames"
	OpGetFunnel            = "GetFunnel"
	OpDumpActiveFlows      = "DumpActiveFlows"
	OpCountActiveFlows     = "CountActiveFlows"
	OpTopFlows             = "TopFlows"
	OpFlowsByIp            = "FlowsByIp"
	OpReload               = "Reload"
	OpChangeSiteSpeedLive  = "ChangeSiteSpeedLive"
)

// Request is the tagged union sent by clients. Op selects the
// operation; only the fields that operation consumes are populated.
type Request struct {
	Op string `cbor:"op"`

	Start       int      `cbor:"start,omitempty"`
	End         int      `cbor:"end,omitempty"`
	N           int      `cbor:"n,omitempty"`
	NodeIndex   int      `cbor:"node_index,omitempty"`
	NodeIndices []int    `cbor:"node_indices,omitempty"`
	CircuitID   string   `cbor:"circuit_id,omitempty"`
	IP          string   `cbor:"ip,omitempty"`
	Criterion   string   `cbor:"criterion,omitempty"`
	SiteHash    int64    `cbor:"site_hash,omitempty"`
	DownloadMin float32  `cbor:"download_min,omitempty"`
	UploadMin   float32  `cbor:"upload_min,omitempty"`
	DownloadMax float32  `cbor:"download_max,omitempty"`
	UploadMax   float32  `cbor:"upload_max,omitempty"`
}

// Reply kinds.
const (
	KindAck  = "Ack"
	KindFail = "Fail"
)

// Reply is the tagged union returned by the daemon. Kind names the
// payload type; Fail replies carry Message instead of Data.
type Reply struct {
	Kind    string          `cbor:"kind"`
	Message string          `cbor:"message,omitempty"`
	Data    cbor.RawMessage `cbor:"data,omitempty"`
}

// Ok builds a successful reply with an encoded payload.
func Ok(kind string, payload any) Reply {
	data, err := cbor.Marshal(payload)
	if err != nil {
		return Fail(fmt.Sprintf("encoding %s reply: %v", kind, err))
	}
	return Reply{Kind: kind, Data: data}
}

// Fail builds an error reply.
func Fail(message string) Reply {
	return Reply{Kind: KindFail, Message: message}
}

// Decode unmarshals a reply's payload.
func (r Reply) Decode(out any) error {
	if r.Kind == KindFail {
		return fmt.Errorf("bus failure: %s", r.Message)
	}
	return cbor.Unmarshal(r.Data, out)
}

// EncodeRequest and friends pin the CBOR mode in one place.

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

// EncodeRequest serializes a request.
func EncodeRequest(req Request) ([]byte, error) { return encMode.Marshal(req) }

// DecodeRequest parses a request.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	err := cbor.Unmarshal(raw, &req)
	return req, err
}

// EncodeReply serializes a reply.
func EncodeReply(reply Reply) ([]byte, error) { return encMode.Marshal(reply) }

// DecodeReply parses a reply.
func DecodeReply(raw []byte) (Reply, error) {
	var reply Reply
	err := cbor.Unmarshal(raw, &reply)
	return reply, err
}
