package receiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soypat/brudp/chunk"
	"github.com/soypat/brudp/config"
	"github.com/soypat/brudp/control"
	"github.com/soypat/brudp/crypto"
	"github.com/soypat/brudp/internal/bufutil"
	"github.com/soypat/brudp/internal/ids"
	"github.com/soypat/brudp/internal/protoerr"
	"github.com/soypat/brudp/internal/xlog"
	"github.com/soypat/brudp/metrics"
	"github.com/soypat/brudp/transport"
)

// bandwidthHintFactor scales the InitAck RTT into a coarse bandwidth hint:
// smaller RTTs imply a fatter pipe. RTTs below about 16 microseconds land
// at the upper clamp, and RTTs above about 164 microseconds at the lower.
const bandwidthHintFactor = 8 * 1024 * 1024 * 1024

var (
	ErrHandshakeFailed = fmt.Errorf("receiver: handshake did not complete after all retries")
)

// Engine runs one receiver-side session: handshake, chunk ingestion,
// assembly, NACK scheduling and flow-control reporting.
type Engine struct {
	cfg  config.Config
	ep   transport.Endpoint
	log  xlog.Logger
	met  *metrics.Collectors
	errs protoerr.Counters

	sess *Session
}

// Progress reports (assembled, total) segment counts for a running
// transfer, safe to poll concurrently from a CLI progress display.
func (e *Engine) Progress() (assembled, total uint64) {
	return uint64(e.sess.assembledCount()), e.sess.totalSegments
}

// New constructs an Engine bound to an endpoint whose peer is the sender.
func New(cfg config.Config, ep transport.Endpoint, log xlog.Logger, met *metrics.Collectors) *Engine {
	return &Engine{cfg: cfg, ep: ep, log: log.With("session", ids.NewSession()), met: met, sess: NewSession()}
}

// Report summarizes a finished transfer: percentage delivered, NACK count
// and byte totals.
type Report struct {
	TotalSegments     uint64
	AssembledSegments uint64
	NacksSent         uint64
	Bytes             int64
	Elapsed           time.Duration
	Success           bool
}

func (r Report) String() string {
	pct := 0.0
	if r.TotalSegments > 0 {
		pct = 100 * float64(r.AssembledSegments) / float64(r.TotalSegments)
	}
	return fmt.Sprintf("received %d/%d segments (%.1f%%), %d NACKs sent, %d bytes, in %s",
		r.AssembledSegments, r.TotalSegments, pct, r.NacksSent, r.Bytes, r.Elapsed.Round(time.Millisecond))
}

// Run executes the full receiver state machine: connect, then the
// dispatch/worker/assembler/scheduler tasks until termination, writing the
// reassembled stream to out.
func (e *Engine) Run(ctx context.Context, serverAddr net.Addr, out io.Writer) (Report, error) {
	start := time.Now()
	if err := e.connect(ctx, serverAddr); err != nil {
		return Report{}, err
	}
	report, err := e.runTransfer(ctx, start)
	if err != nil {
		return report, err
	}
	if _, err := out.Write(e.sess.concatenate()); err != nil {
		return report, protoerr.Wrap(protoerr.Resource, err)
	}
	return report, nil
}

// connect sends Init and retries every HandshakeRetryInterval up to
// HandshakeMaxRetries, completing the ECDH inline (this receiver always
// uses the inline variant: its ephemeral public key rides in
// Init.ClientPublicKey) before accepting InitAck.
func (e *Engine) connect(ctx context.Context, serverAddr net.Addr) error {
	e.sess.setServer(serverAddr)

	var clientPub [32]byte
	if e.cfg.EncryptionEnabled {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return protoerr.Wrap(protoerr.Resource, err)
		}
		e.sess.clientKeys = kp
		clientPub = kp.Public
	}

	init := control.Init{
		ClientPublicKey:   clientPub,
		EncryptionEnabled: e.cfg.EncryptionEnabled,
		LinkCount:         1,
		ChunkSize:         uint32(e.cfg.ChunkSize),
		SegmentSize:       uint32(e.cfg.SegmentSize),
		ClientVersion:     control.Version,
	}

	buf := make([]byte, 4096)
	var sentAt time.Time
	for attempt := 0; attempt < e.cfg.HandshakeMaxRetries; attempt++ {
		init.ClientTimestampUs = uint64(time.Now().UnixMicro())
		n, err := control.Encode(buf, init)
		if err != nil {
			return protoerr.Wrap(protoerr.Framing, err)
		}
		sentAt = time.Now()
		if _, err := e.ep.WriteTo(buf[:n], serverAddr); err != nil {
			return protoerr.Wrap(protoerr.Resource, err)
		}

		deadline := time.Now().Add(e.cfg.HandshakeRetryInterval)
		for time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.ep.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			rn, _, err := e.ep.ReadFrom(buf)
			if err != nil {
				continue
			}
			typ, ok := control.PeekType(buf[:rn])
			if !ok || typ != control.TypeInitAck {
				continue
			}
			msg, _, err := control.Decode(buf[:rn])
			if err != nil {
				continue
			}
			ack := msg.(control.InitAck)
			rtt := time.Since(sentAt)
			if e.cfg.EncryptionEnabled {
				shared, err := e.sess.clientKeys.SharedSecret(ack.ServerPublicKey)
				if err != nil {
					return protoerr.Wrap(protoerr.Protocol, err)
				}
				sess, err := crypto.NewSession(shared)
				if err != nil {
					return protoerr.Wrap(protoerr.Resource, err)
				}
				e.sess.setAEAD(sess)
			}
			e.sess.setNegotiated(int(ack.ChunkSize), uint64(ack.SegmentSize), ack.TotalFileSize, ack.TotalSegments, ack.ChunksPerSegment, rtt)
			e.log.Info("handshake complete", slog.Duration("rtt", rtt), slog.Uint64("total_segments", ack.TotalSegments))
			return nil
		}
	}
	return ErrHandshakeFailed
}

// runTransfer launches the receive/worker/assembler/scheduler tasks and
// blocks until termination.
func (e *Engine) runTransfer(parent context.Context, start time.Time) (Report, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	chunkCh := make(chan []byte, e.cfg.InboundQueueCapacity)
	priorityCh := make(chan []byte, e.cfg.PriorityQueueCapacity)

	var nacksSent atomic.Uint64
	var lastDataAtUnixNano atomic.Int64
	lastDataAtUnixNano.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)

	// socket receive + dispatch. The buffer must hold the largest chunk
	// frame the negotiated chunk size produces, not a fixed guess.
	g.Go(func() error {
		var buf []byte
		bufutil.Reuse(&buf, chunkRecvBufferSize(e.sess))
		for {
			if gctx.Err() != nil {
				return nil
			}
			e.ep.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			n, _, err := e.ep.ReadFrom(buf)
			if err != nil {
				continue
			}
			raw := append([]byte(nil), buf[:n]...)
			if _, ok := control.PeekType(raw); ok {
				e.handleControlFrame(gctx, raw, priorityCh, cancel)
				continue
			}
			select {
			case chunkCh <- raw:
			case <-gctx.Done():
				return nil
			default:
				// inbound queue full: drop, nack_scheduler will re-request it.
			}
		}
	})

	// worker pool draining chunks.
	assembledCh := make(chan assembledSegment, 64)
	for i := 0; i < e.cfg.ReceiverWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case raw := <-chunkCh:
					c, _, err := chunk.Decode(raw)
					if err != nil {
						e.errs.Count(protoerr.Framing)
						continue // malformed frame: counted and dropped, never propagated.
					}
					if !c.Verify() {
						e.errs.Count(protoerr.Integrity)
						if e.met != nil {
							e.met.ChunksCRCFailed.Inc()
						}
						continue
					}
					e.log.Trace("chunk admitted", slog.Uint64("segment", c.SegmentID), slog.Uint64("chunk", uint64(c.ChunkID)))
					lastDataAtUnixNano.Store(time.Now().UnixNano())
					asm, dup, completed := e.sess.insertChunk(&c)
					e.sess.recordArrival(&c, dup)
					if e.met != nil {
						e.met.ChunksReceived.Inc()
						if dup {
							e.met.ChunksDuplicate.Inc()
						}
					}
					if asm == nil {
						continue
					}
					if completed {
						select {
						case assembledCh <- assembledSegment{id: c.SegmentID, bytes: asm.Bytes(), received: asm.ReceivedCount(), dup: asm.DuplicateCount(), started: time.Now()}:
						case <-gctx.Done():
							return nil
						}
					}
				}
			}
		})
	}

	// assembler task.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case as := <-assembledCh:
				data := as.bytes
				if aead := e.sess.aeadSession(); aead != nil {
					plain, err := aead.Open(data, e.sess.expectedPlainSegmentSize(as.id))
					if err != nil {
						e.errs.Count(protoerr.Integrity)
						e.sess.reopenSegment(as.id)
						continue // integrity failure: counted and dropped; a clean retransmit rebuilds the segment.
					}
					data = plain
				}
				out := make([]byte, len(data))
				copy(out, data)
				e.sess.completeSegment(as.id, out)
				if e.met != nil {
					e.met.SegmentsComplete.Inc()
				}
				sc := control.SegmentComplete{
					SegmentID:      as.id,
					ReceivedChunks: as.received,
					DuplicateCount: as.dup,
					ElapsedMs:      uint32(time.Since(as.started).Milliseconds()),
				}
				// SegmentComplete is sent exactly once per segment; dropping
				// it would leave the sender caching the segment until its
				// session deadline, so block rather than try-send.
				buf := make([]byte, 64)
				n, err := control.Encode(buf, sc)
				if err == nil {
					select {
					case priorityCh <- buf[:n]:
					case <-gctx.Done():
						return nil
					}
				}
			}
		}
	})

	// scheduler (NACK + FlowControl). NACK rounds fire on the base tick
	// but only once chunk arrivals have been quiet for NackQuietPeriod: while
	// data is still flowing, a missing chunk may simply not have been sent
	// yet, and NACKing it would burn the retransmit budget on nothing.
	g.Go(func() error {
		nackTick := time.NewTicker(e.cfg.NackTickInterval)
		defer nackTick.Stop()
		flowTick := time.NewTicker(e.cfg.FlowControlInterval)
		defer flowTick.Stop()
		first := true
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-nackTick.C:
				lastData := time.Unix(0, lastDataAtUnixNano.Load())
				if time.Since(lastData) >= e.cfg.NackQuietPeriod {
					e.emitNacks(gctx, priorityCh, &nacksSent)
				}
			case <-flowTick.C:
				e.emitFlowControl(gctx, priorityCh, &first)
			}
		}
	})

	// link weight recompute.
	g.Go(func() error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				e.sess.tickLinks()
				if e.met != nil {
					for _, l := range e.sess.links.Links() {
						e.met.LinkWeight.WithLabelValues(strconv.Itoa(int(l.ID()))).Set(l.Weight())
					}
				}
			}
		}
	})

	// priority writer. Control frames always take priority and are never
	// subject to try-send drop.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case b := <-priorityCh:
				e.ep.WriteTo(b, e.sess.server())
			}
		}
	})

	deadline := e.deadline()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-parent.Done():
			break loop
		case <-ticker.C:
			assembled := uint64(e.sess.assembledCount())
			if assembled >= e.sess.totalSegments {
				break loop
			}
			lastData := time.Unix(0, lastDataAtUnixNano.Load())
			sinceData := time.Since(lastData)
			pct := 0.0
			if e.sess.totalSegments > 0 {
				pct = float64(assembled) / float64(e.sess.totalSegments)
			}
			if sinceData > 10*time.Second && pct >= 0.95 {
				break loop
			}
			if sinceData > 60*time.Second {
				break loop
			}
			if time.Since(start) > deadline {
				break loop
			}
		}
	}

	// Graceful close: signal the sender so it can release its cache early.
	// The Close rides the same priority queue as any still-pending
	// SegmentComplete frames so it cannot overtake them on the wire.
	closeBuf := make([]byte, 16)
	if n, err := control.Encode(closeBuf, control.Close{}); err == nil {
		select {
		case priorityCh <- closeBuf[:n]:
		default:
			e.ep.WriteTo(closeBuf[:n], e.sess.server())
		}
	}
	for i := 0; i < 50 && len(priorityCh) > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	g.Wait()

	if attrs := e.errs.LogAttrs(); len(attrs) > 0 {
		e.log.Warn("datagrams dropped at parse site", attrs...)
	}

	assembled := uint64(e.sess.assembledCount())
	return Report{
		TotalSegments:     e.sess.totalSegments,
		AssembledSegments: assembled,
		NacksSent:         nacksSent.Load(),
		Bytes:             int64(e.sess.totalFileSize),
		Elapsed:           time.Since(start),
		Success:           assembled >= e.sess.totalSegments,
	}, nil
}

type assembledSegment struct {
	id       uint64
	bytes    []byte
	received uint32
	dup      uint32
	started  time.Time
}

func (e *Engine) handleControlFrame(ctx context.Context, raw []byte, priorityCh chan<- []byte, cancel context.CancelFunc) {
	msg, _, err := control.Decode(raw)
	if err != nil {
		e.errs.Count(protoerr.Framing)
		return
	}
	switch m := msg.(type) {
	case control.Heartbeat:
		out := make([]byte, 32)
		n, err := control.Encode(out, control.HeartbeatAck{Sequence: m.Sequence, TimestampUs: m.TimestampUs})
		if err == nil {
			select {
			case priorityCh <- out[:n]:
			case <-ctx.Done():
			}
		}
	case control.Close:
		cancel()
	case control.InitAck:
		// late/duplicate retransmit of the handshake ack: already armed, ignore.
	}
}

// emitNacks builds and sends up to NackSegmentsPerRound Nack frames for
// incomplete segments.
func (e *Engine) emitNacks(ctx context.Context, priorityCh chan<- []byte, nacksSent *atomic.Uint64) {
	targets := e.sess.pendingNacks(e.cfg.NackSegmentsPerRound)
	for _, t := range targets {
		ratio := 0.0
		if e.sess.chunksPerSegment > 0 {
			ratio = 1 - float64(len(t.missing))/float64(e.sess.chunksPerSegment)
		}
		nack := control.Nack{SegmentID: t.segmentID, MissingChunkIDs: t.missing, ReceiveRatio: ratio, LinkID: 0}
		buf := make([]byte, control.HeaderSize+8+4+len(t.missing)*4+8+2)
		n, err := control.Encode(buf, nack)
		if err != nil {
			continue
		}
		// Control frames are never dropped on a full queue: block until the
		// priority writer drains.
		select {
		case priorityCh <- buf[:n]:
			nacksSent.Add(1)
			if e.met != nil {
				e.met.NacksSent.Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}

// emitFlowControl sends a FlowControl frame. The very first frame carries
// a coarse bandwidth hint derived from the handshake RTT; subsequent
// frames carry the literal completed-segment count as the processing rate.
func (e *Engine) emitFlowControl(ctx context.Context, priorityCh chan<- []byte, first *bool) {
	completed := uint64(e.sess.assembledCount())
	fc := control.FlowControl{
		BufferHeadroomSegments: uint32(e.cfg.InboundQueueCapacity),
		LastCompletedSegmentID: e.sess.lastCompletedSegmentID(),
		SegmentsInProgress:     uint32(e.sess.inProgressCount()),
		ObservedLossRate:       e.sess.observedLossRate(),
	}
	if *first {
		*first = false
		fc.ProcessingRate = bandwidthHint(e.sess.rtt)
	} else {
		fc.ProcessingRate = float64(completed)
	}
	fc.SuggestedRate = fc.ProcessingRate
	buf := make([]byte, 64)
	n, err := control.Encode(buf, fc)
	if err != nil {
		return
	}
	select {
	case priorityCh <- buf[:n]:
	case <-ctx.Done():
	}
}

// bandwidthHint scales an RTT into a bandwidth estimate clamped to
// [50, 500] MB/s.
func bandwidthHint(rtt time.Duration) float64 {
	const mb = 1024 * 1024
	if rtt <= 0 {
		return 500 * mb
	}
	hint := bandwidthHintFactor / float64(rtt.Microseconds())
	if hint < 50*mb {
		hint = 50 * mb
	}
	if hint > 500*mb {
		hint = 500 * mb
	}
	return hint
}

// deadline computes the receiver's total session deadline:
// total_file_size/(3 MiB/s) + 120s, lower-bounded by 180s.
func (e *Engine) deadline() time.Duration {
	d := time.Duration(float64(e.sess.totalFileSize)/(3*1024*1024)*float64(time.Second)) + 120*time.Second
	if d < 180*time.Second {
		d = 180 * time.Second
	}
	return d
}

// chunkRecvBufferSize sizes the inbound receive buffer for the negotiated
// chunk wire size plus its framing overhead, with a floor large enough for
// the (small, fixed-size) control frames this engine also receives.
func chunkRecvBufferSize(s *Session) int {
	s.mu.RLock()
	chunkSize := s.chunkSize
	s.mu.RUnlock()
	n := chunk.LengthPrefixSize + chunk.HeaderSize + chunkSize
	if n < 2048 {
		n = 2048
	}
	return n
}
