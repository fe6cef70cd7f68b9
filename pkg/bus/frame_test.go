package bus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTripSmall(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello shaping plane")
	if err := WriteFrame(&buf, 42, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	id, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if id != 42 || !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: id=%d payload=%q", id, got)
	}
}

func TestFrameRoundTripMultiChunk(t *testing.T) {
	payload := make([]byte, 3*MaxChunk+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 7, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	id, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if id != 7 || !bytes.Equal(got, payload) {
		t.Fatal("multi-chunk round trip mismatch")
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 1, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	id, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if id != 1 || len(got) != 0 {
		t.Fatalf("empty frame mismatch: id=%d len=%d", id, len(got))
	}
}

func TestFrameBackToBack(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		if err := WriteFrame(&buf, i, []byte{byte(i)}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		id, payload, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if id != i || payload[0] != byte(i) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestFrameRejectsOversizeOnWrite(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, 1, make([]byte, MaxFrame+1))
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestFrameRejectsOversizeOnRead(t *testing.T) {
	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:8], 1)
	binary.LittleEndian.PutUint64(header[8:16], MaxFrame+1)
	_, _, err := ReadFrame(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestFrameRejectsChunkOverrun(t *testing.T) {
	var buf bytes.Buffer
	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:8], 1)
	binary.LittleEndian.PutUint64(header[8:16], 4)
	buf.Write(header[:])
	var chunk [4]byte
	binary.LittleEndian.PutUint32(chunk[:], 8) // declares more than remains
	buf.Write(chunk[:])
	buf.Write(make([]byte, 8))
	_, _, err := ReadFrame(&buf)
	if !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestFrameRejectsZeroChunk(t *testing.T) {
	var buf bytes.Buffer
	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:8], 1)
	binary.LittleEndian.PutUint64(header[8:16], 4)
	buf.Write(header[:])
	buf.Write(make([]byte, 4)) // zero chunk length
	_, _, err := ReadFrame(&buf)
	if !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestRequestReplyCodecIdentity(t *testing.T) {
	requests := []Request{
		{Op: OpPing},
		{Op: OpGetTopNDownloaders, Start: 0, End: 10},
		{Op: OpGetFunnel, CircuitID: "c-001"},
		{Op: OpMapNodeNames, NodeIndices: []int{1, 2, 3}},
		{Op: OpChangeSiteSpeedLive, SiteHash: -12345, DownloadMin: 80, UploadMin: 20, DownloadMax: 160, UploadMax: 30},
		{Op: OpFlowsByIp, IP: "10.0.0.1"},
	}
	for _, req := range requests {
		raw, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("encode %s: %v", req.Op, err)
		}
		decoded, err := DecodeRequest(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", req.Op, err)
		}
		if decoded.Op != req.Op || decoded.Start != req.Start || decoded.End != req.End ||
			decoded.CircuitID != req.CircuitID || decoded.IP != req.IP ||
			decoded.SiteHash != req.SiteHash || len(decoded.NodeIndices) != len(req.NodeIndices) {
			t.Fatalf("%s did not round trip: %+v vs %+v", req.Op, decoded, req)
		}
	}

	reply := Ok("TestPayload", map[string]int{"a": 1})
	raw, err := EncodeReply(reply)
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	decoded, err := DecodeReply(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	var payload map[string]int
	if err := decoded.Decode(&payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["a"] != 1 {
		t.Fatal("reply payload did not round trip")
	}

	fail := Fail("boom")
	raw, _ = EncodeReply(fail)
	decoded, _ = DecodeReply(raw)
	if decoded.Kind != KindFail || decoded.Message != "boom" {
		t.Fatalf("fail reply mismatch: %+v", decoded)
	}
}
