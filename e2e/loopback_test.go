// Package e2e exercises the sender and receiver engines end-to-end over
// the in-memory loopback transport: plaintext and encrypted transfers,
// clean and lossy links, and full-recovery convergence under uniform
// random chunk loss.
package e2e

import (
	"bytes"
	"context"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/soypat/brudp/config"
	"github.com/soypat/brudp/control"
	"github.com/soypat/brudp/internal/xlog"
	"github.com/soypat/brudp/receiver"
	"github.com/soypat/brudp/sender"
	"github.com/soypat/brudp/transport"
)

// chunkDropFilter drops only chunk frames, never control frames: unlike a
// blanket transport.DropFilter, handshake/NACK/FlowControl/Close traffic
// always gets through so the injected loss is purely data-plane.
type chunkDropFilter struct {
	transport.Endpoint
	p   float64
	rng *rand.Rand
}

func (d *chunkDropFilter) WriteTo(b []byte, addr net.Addr) (int, error) {
	if _, isControl := control.PeekType(b); !isControl && d.rng.Float64() < d.p {
		return len(b), nil
	}
	return d.Endpoint.WriteTo(b, addr)
}

// fastConfig shrinks the default tunables so a multi-segment transfer
// round-trips in test time: smaller segments/chunks means more NACK/
// FlowControl rounds per second of wall clock, and tighter scheduler
// ticks means loss is discovered and serviced quickly.
func fastConfig() config.Config {
	c := config.Default()
	c.SegmentSize = 8192
	c.ChunkSize = 512
	c.NackTickInterval = 20 * time.Millisecond
	c.NackQuietPeriod = 50 * time.Millisecond
	c.FlowControlInterval = 20 * time.Millisecond
	c.HandshakeRetryInterval = 50 * time.Millisecond
	return c
}

func deterministicPayload(n int, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed^0xD1B54A32D192ED03))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

type transferResult struct {
	sendReport sender.Report
	sendErr    error
	recvReport receiver.Report
	recvErr    error
	output     []byte
}

// runTransfer wires a sender and receiver engine together over a fresh
// loopback pair (optionally wrapping the sender's outbound leg in a
// chunkDropFilter) and blocks until both sides finish or ctx expires.
func runTransfer(t *testing.T, cfg config.Config, payload []byte, dropRate float64) transferResult {
	t.Helper()
	senderEp, receiverEp := transport.NewLoopbackPair("sender", "receiver")

	var senderSide transport.Endpoint = senderEp
	if dropRate > 0 {
		rng := rand.New(rand.NewPCG(1, 2))
		senderSide = &chunkDropFilter{Endpoint: senderEp, p: dropRate, rng: rng}
	}

	sendEngine := sender.New(cfg, senderSide, xlog.Logger{}, nil)
	recvEngine := receiver.New(cfg, receiverEp, xlog.Logger{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var res transferResult
	done := make(chan struct{})
	go func() {
		res.sendReport, res.sendErr = sendEngine.Run(ctx, bytes.NewReader(payload), int64(len(payload)))
		close(done)
	}()

	var out bytes.Buffer
	res.recvReport, res.recvErr = recvEngine.Run(ctx, senderEp.LocalAddr(), &out)
	<-done
	res.output = out.Bytes()
	return res
}

func TestRoundTripPlaintextNoLoss(t *testing.T) {
	cfg := fastConfig()
	payload := deterministicPayload(200_000, 1)

	res := runTransfer(t, cfg, payload, 0)
	if res.sendErr != nil {
		t.Fatalf("sender: %v", res.sendErr)
	}
	if res.recvErr != nil {
		t.Fatalf("receiver: %v", res.recvErr)
	}
	if !res.sendReport.Success {
		t.Fatalf("sender report: %+v", res.sendReport)
	}
	if !res.recvReport.Success {
		t.Fatalf("receiver report: %+v", res.recvReport)
	}
	if !bytes.Equal(res.output, payload) {
		t.Fatalf("assembled output mismatches input (got %d bytes, want %d)", len(res.output), len(payload))
	}
	if res.recvReport.NacksSent != 0 {
		t.Fatalf("clean loopback should need no NACKs, sent %d", res.recvReport.NacksSent)
	}
}

func TestRoundTripWithPartialLoss(t *testing.T) {
	cfg := fastConfig()
	payload := deterministicPayload(300_000, 2)

	res := runTransfer(t, cfg, payload, 0.10)
	if res.sendErr != nil {
		t.Fatalf("sender: %v", res.sendErr)
	}
	if res.recvErr != nil {
		t.Fatalf("receiver: %v", res.recvErr)
	}
	if !res.sendReport.Success || !res.recvReport.Success {
		t.Fatalf("transfer did not converge: send=%+v recv=%+v", res.sendReport, res.recvReport)
	}
	if !bytes.Equal(res.output, payload) {
		t.Fatalf("assembled output mismatches input despite eventual convergence")
	}
	// 10% loss on ~40 segments' worth of chunks should provoke at least one
	// NACK round and at least one serviced retransmit.
	if res.recvReport.NacksSent == 0 {
		t.Fatal("expected at least one NACK under 10% loss")
	}
	if res.sendReport.RetransmittedChunks == 0 {
		t.Fatal("expected at least one serviced retransmit under 10% loss")
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	cfg := fastConfig()
	cfg.EncryptionEnabled = true
	payload := deterministicPayload(150_000, 3)

	res := runTransfer(t, cfg, payload, 0)
	if res.sendErr != nil {
		t.Fatalf("sender: %v", res.sendErr)
	}
	if res.recvErr != nil {
		t.Fatalf("receiver: %v", res.recvErr)
	}
	if !res.sendReport.Success || !res.recvReport.Success {
		t.Fatalf("encrypted transfer did not complete: send=%+v recv=%+v", res.sendReport, res.recvReport)
	}
	if !bytes.Equal(res.output, payload) {
		t.Fatal("decrypted output mismatches input")
	}
}

func TestRoundTripEncryptedWithLoss(t *testing.T) {
	cfg := fastConfig()
	cfg.EncryptionEnabled = true
	payload := deterministicPayload(150_000, 4)

	res := runTransfer(t, cfg, payload, 0.10)
	if res.sendErr != nil {
		t.Fatalf("sender: %v", res.sendErr)
	}
	if res.recvErr != nil {
		t.Fatalf("receiver: %v", res.recvErr)
	}
	if !res.sendReport.Success || !res.recvReport.Success {
		t.Fatalf("encrypted lossy transfer did not converge: send=%+v recv=%+v", res.sendReport, res.recvReport)
	}
	if !bytes.Equal(res.output, payload) {
		t.Fatal("decrypted output mismatches input after loss recovery")
	}
}

func TestRoundTripSmallPayloadSingleSegment(t *testing.T) {
	cfg := fastConfig()
	payload := []byte("a single small segment, well under one chunk")

	res := runTransfer(t, cfg, payload, 0)
	if res.sendErr != nil {
		t.Fatalf("sender: %v", res.sendErr)
	}
	if res.recvErr != nil {
		t.Fatalf("receiver: %v", res.recvErr)
	}
	if res.sendReport.TotalSegments != 1 || res.recvReport.TotalSegments != 1 {
		t.Fatalf("expected exactly one segment, got send=%d recv=%d", res.sendReport.TotalSegments, res.recvReport.TotalSegments)
	}
	if !bytes.Equal(res.output, payload) {
		t.Fatal("single-segment transfer mismatches input")
	}
}

// TestRoundTripWithBlanketPacketLoss exercises transport.DropFilter (as
// opposed to the chunk-only chunkDropFilter above): every outbound
// datagram, control or data, is equally likely to be dropped. Handshake
// retries, heartbeat tolerance and NACK-driven recovery must together
// still converge on a byte-identical transfer.
func TestRoundTripWithBlanketPacketLoss(t *testing.T) {
	cfg := fastConfig()
	payload := deterministicPayload(200_000, 5)

	senderEp, receiverEp := transport.NewLoopbackPair("sender", "receiver")
	rng := rand.New(rand.NewPCG(7, 8))
	senderSide := transport.NewDropFilter(senderEp, 0.05, rng)

	sendEngine := sender.New(cfg, senderSide, xlog.Logger{}, nil)
	recvEngine := receiver.New(cfg, receiverEp, xlog.Logger{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var sendReport sender.Report
	var sendErr error
	done := make(chan struct{})
	go func() {
		sendReport, sendErr = sendEngine.Run(ctx, bytes.NewReader(payload), int64(len(payload)))
		close(done)
	}()

	var out bytes.Buffer
	recvReport, recvErr := recvEngine.Run(ctx, senderEp.LocalAddr(), &out)
	<-done

	if sendErr != nil {
		t.Fatalf("sender: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver: %v", recvErr)
	}
	if !sendReport.Success || !recvReport.Success {
		t.Fatalf("blanket-loss transfer did not converge: send=%+v recv=%+v", sendReport, recvReport)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatal("assembled output mismatches input under blanket packet loss")
	}
}
