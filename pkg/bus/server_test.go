package bus

import (
	"context"
	"path/filepath"
	"testing"
)

func TestServerClientLoopback(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "bus.sock")
	server, err := NewServer(socket, func(req Request) Reply {
		switch req.Op {
		case OpPing:
			return Ok("Pong", "pong")
		case OpCountActiveFlows:
			return Ok("FlowCount", 5)
		default:
			return Fail("unknown request " + req.Op)
		}
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Serve(ctx) }()
	defer server.Close()

	client := NewClient(socket)
	defer client.Close()

	reply, err := client.Call(Request{Op: OpPing})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong string
	if err := reply.Decode(&pong); err != nil || pong != "pong" {
		t.Fatalf("ping reply: %v %q", err, pong)
	}

	reply, err = client.Call(Request{Op: OpCountActiveFlows})
	if err != nil {
		t.Fatalf("flow count: %v", err)
	}
	var count int
	if err := reply.Decode(&count); err != nil || count != 5 {
		t.Fatalf("flow count reply: %v %d", err, count)
	}

	reply, err = client.Call(Request{Op: "Nonsense"})
	if err != nil {
		t.Fatalf("unknown op transport error: %v", err)
	}
	if reply.Kind != KindFail {
		t.Fatalf("unknown op should fail, got %+v", reply)
	}
}
