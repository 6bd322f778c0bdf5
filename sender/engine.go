package sender

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	mathrand "math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soypat/brudp/chunk"
	"github.com/soypat/brudp/config"
	"github.com/soypat/brudp/congestion"
	"github.com/soypat/brudp/control"
	"github.com/soypat/brudp/crypto"
	"github.com/soypat/brudp/internal/bufutil"
	"github.com/soypat/brudp/internal/ids"
	"github.com/soypat/brudp/internal/protoerr"
	"github.com/soypat/brudp/internal/xlog"
	"github.com/soypat/brudp/metrics"
	"github.com/soypat/brudp/transport"
)

// ProtocolVersion is the wire version this engine speaks (mirrors
// control.Version).
const ProtocolVersion = control.Version

// Engine runs one sender-side session: handshake, segment production,
// forward redundancy, NACK service and pacing.
type Engine struct {
	cfg  config.Config
	ep   transport.Endpoint
	log  xlog.Logger
	met  *metrics.Collectors
	rng  *mathrand.Rand
	errs protoerr.Counters

	sess *Session
	// initAckFrame is the encoded InitAck, kept so a receiver retrying its
	// Init (our ack was lost) gets answered again instead of timing out.
	initAckFrame []byte

	totalSegments atomic.Uint64
}

// Progress reports (confirmed, total) segment counts for a running
// transfer, safe to poll concurrently from a CLI progress display.
func (e *Engine) Progress() (confirmed, total uint64) {
	return e.sess.ConfirmedCount(), e.totalSegments.Load()
}

// New constructs an Engine bound to an already-listening endpoint. log and
// met may be the zero value (nil-safe logging, no metrics).
func New(cfg config.Config, ep transport.Endpoint, log xlog.Logger, met *metrics.Collectors) *Engine {
	strategy := congestion.StrategyTCPLike
	if cfg.CongestionStrategy == "bbrlite" {
		strategy = congestion.StrategyBBRLite
	}
	cong := congestion.New(strategy, congestion.MinRate)
	return &Engine{
		cfg:  cfg,
		ep:   ep,
		log:  log.With("session", ids.NewSession()),
		met:  met,
		rng:  mathrand.New(mathrand.NewPCG(seedUint64(), seedUint64())),
		sess: NewSession(cong, cfg.BaseRedundancyRatio),
	}
}

func seedUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Report summarizes a finished transfer: how many segments were confirmed
// and how many chunk retransmits were served.
type Report struct {
	TotalSegments       uint64
	ConfirmedSegments   uint64
	RetransmittedChunks uint64
	Elapsed             time.Duration
	Success             bool
}

// Run executes the full sender state machine: wait for Init, optionally
// complete the key exchange, send InitAck, then run the transmit and
// NACK-service loops until a termination condition fires.
func (e *Engine) Run(ctx context.Context, source io.ReaderAt, totalSize int64) (Report, error) {
	start := time.Now()
	init, err := e.waitForInit(ctx)
	if err != nil {
		return Report{}, err
	}
	e.log.Info("received Init", slog.String("peer", e.sess.peer().String()), slog.Bool("encrypt", init.EncryptionEnabled))

	if init.EncryptionEnabled {
		if err := e.keyExchange(ctx, init); err != nil {
			return Report{}, err
		}
	}

	chunkSize := negotiate(init.ChunkSize, uint32(e.cfg.ChunkSize))
	segmentSize := negotiate(init.SegmentSize, uint32(e.cfg.SegmentSize))
	totalSegments := uint64((totalSize + int64(segmentSize) - 1) / int64(segmentSize))
	if totalSegments == 0 {
		totalSegments = 1
	}
	chunksPerSegment := (segmentSize + chunkSize - 1) / chunkSize

	if err := e.sendInitAck(init, chunkSize, segmentSize, uint64(totalSize), totalSegments, chunksPerSegment); err != nil {
		return Report{}, err
	}

	st := &transferState{
		chunkSize:        int(chunkSize),
		segmentSize:      int(segmentSize),
		chunksPerSegment: chunksPerSegment,
		totalSegments:    totalSegments,
		source:           source,
		totalSize:        totalSize,
	}
	e.totalSegments.Store(totalSegments)

	return e.runTransfer(ctx, st, start)
}

func negotiate(requested, def uint32) uint32 {
	if requested != 0 {
		return requested
	}
	return def
}

type transferState struct {
	chunkSize        int
	segmentSize      int
	chunksPerSegment uint32
	totalSegments    uint64
	source           io.ReaderAt
	totalSize        int64
}

// waitForInit blocks, polling the endpoint with short read deadlines so ctx
// cancellation is observed promptly, until an Init frame arrives.
func (e *Engine) waitForInit(ctx context.Context) (control.Init, error) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return control.Init{}, ctx.Err()
		}
		e.ep.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		n, addr, err := e.ep.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return control.Init{}, protoerr.Wrap(protoerr.Resource, err)
		}
		typ, ok := control.PeekType(buf[:n])
		if !ok || typ != control.TypeInit {
			continue
		}
		msg, _, err := control.Decode(buf[:n])
		if err != nil {
			e.errs.Count(protoerr.Framing)
			continue // framing error: counted and dropped, never propagated.
		}
		init, ok := msg.(control.Init)
		if !ok {
			continue
		}
		e.sess.setPeer(addr)
		return init, nil
	}
}

// keyExchange completes the X25519 handshake, supporting both the inline
// (key rides in Init/InitAck) and separate KeyExchange-frame variants,
// retrying the outbound key frame every 500ms until the peer's key
// arrives.
func (e *Engine) keyExchange(ctx context.Context, init control.Init) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return protoerr.Wrap(protoerr.Resource, err)
	}
	var peerPub [crypto.KeySize]byte
	if init.ClientPublicKey != ([32]byte{}) {
		peerPub = init.ClientPublicKey
	} else {
		peerPub, err = e.exchangeKeyFrame(ctx, kp)
		if err != nil {
			return err
		}
	}
	shared, err := kp.SharedSecret(peerPub)
	if err != nil {
		return protoerr.Wrap(protoerr.Protocol, err)
	}
	sess, err := crypto.NewSession(shared)
	if err != nil {
		return protoerr.Wrap(protoerr.Resource, err)
	}
	e.sess.setAEAD(sess)
	e.sess.serverPublic = kp.Public
	return nil
}

func (e *Engine) exchangeKeyFrame(ctx context.Context, kp crypto.KeyPair) ([crypto.KeySize]byte, error) {
	buf := make([]byte, 256)
	var zero [crypto.KeySize]byte
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	n, err := control.Encode(buf, control.KeyExchange{PublicKey: kp.Public})
	if err != nil {
		return zero, protoerr.Wrap(protoerr.Framing, err)
	}
	out := append([]byte(nil), buf[:n]...)
	for {
		e.ep.WriteTo(out, e.sess.peer())
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
		e.ep.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := e.ep.ReadFrom(buf)
		if err != nil {
			continue
		}
		typ, ok := control.PeekType(buf[:n])
		if !ok || typ != control.TypeKeyExchange {
			continue
		}
		msg, _, err := control.Decode(buf[:n])
		if err != nil {
			continue
		}
		ke := msg.(control.KeyExchange)
		e.sess.setPeer(addr)
		return ke.PublicKey, nil
	}
}

func (e *Engine) sendInitAck(init control.Init, chunkSize, segmentSize uint32, totalSize uint64, totalSegments uint64, chunksPerSegment uint32) error {
	var serverPub [32]byte
	if init.EncryptionEnabled {
		serverPub = e.sess.serverPublic
	}
	ack := control.InitAck{
		ServerPublicKey:   serverPub,
		EncryptionEnabled: init.EncryptionEnabled,
		ChunkSize:         chunkSize,
		SegmentSize:       segmentSize,
		BaseRedundancy:    e.cfg.BaseRedundancyRatio,
		TotalFileSize:     totalSize,
		TotalSegments:     totalSegments,
		ChunksPerSegment:  chunksPerSegment,
		ServerVersion:     ProtocolVersion,
		EchoClientTimeUs:  init.ClientTimestampUs,
		ServerTimestampUs: uint64(time.Now().UnixMicro()),
	}
	buf := make([]byte, 256)
	n, err := control.Encode(buf, ack)
	if err != nil {
		return protoerr.Wrap(protoerr.Framing, err)
	}
	e.initAckFrame = append([]byte(nil), buf[:n]...)
	_, err = e.ep.WriteTo(buf[:n], e.sess.peer())
	if err != nil {
		return protoerr.Wrap(protoerr.Resource, err)
	}
	return nil
}

// nackBufferSize bounds the worst-case encoded size of a whole-segment Nack
// naming every chunk id of a segment, with headroom for the common
// FlowControl/SegmentComplete/Heartbeat frames which are all much smaller.
func nackBufferSize(chunksPerSegment uint32) int {
	n := control.HeaderSize + 8 + 4 + int(chunksPerSegment)*4 + 8 + 2 + 64
	if n < 2048 {
		n = 2048
	}
	return n
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

// runTransfer launches the dispatcher, writer, producer, NACK-service and
// flow-control tasks and blocks until a termination condition fires or ctx
// is cancelled.
func (e *Engine) runTransfer(parent context.Context, st *transferState, start time.Time) (Report, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	priorityCh := make(chan []byte, e.cfg.PriorityQueueCapacity)
	dataCh := make(chan []byte, e.cfg.DataQueueCapacity)
	nackCh := make(chan control.Nack, 4096)
	flowCh := make(chan control.FlowControl, 256)
	completeCh := make(chan control.SegmentComplete, 4096)

	var retransmittedCount atomic.Uint64
	var lastNackOrServiceAtUnixNano atomic.Int64
	lastNackOrServiceAtUnixNano.Store(time.Now().UnixNano())
	var firstFlowControl = true
	var lastFlowAt time.Time
	var lastFlowCompletedID uint64
	var heartbeatsOut sync.Map // sequence uint32 -> time.Time sent, for RTT sampling (Strategy B).

	g, gctx := errgroup.WithContext(ctx)

	// socket receive + dispatch. The receive buffer is sized for the
	// worst-case whole-segment Nack (every chunk id of the segment missing),
	// not a fixed guess, since chunksPerSegment is configurable.
	var buf []byte
	bufutil.Reuse(&buf, nackBufferSize(st.chunksPerSegment))
	g.Go(func() error {
		for {
			if gctx.Err() != nil {
				return nil
			}
			e.ep.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			n, _, err := e.ep.ReadFrom(buf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				return nil
			}
			if _, ok := control.PeekType(buf[:n]); !ok {
				continue // not a recognizable control frame; sender expects none else.
			}
			msg, _, err := control.Decode(buf[:n])
			if err != nil {
				e.errs.Count(protoerr.Framing)
				continue
			}
			switch m := msg.(type) {
			case control.Init:
				// the receiver lost our InitAck and is retrying: answer again.
				if len(e.initAckFrame) > 0 {
					select {
					case priorityCh <- e.initAckFrame:
					case <-gctx.Done():
						return nil
					}
				}
			case control.Nack:
				if e.met != nil {
					e.met.NacksReceived.Inc()
				}
				e.sess.recordNack(m.LinkID, len(m.MissingChunkIDs))
				select {
				case nackCh <- m:
				case <-gctx.Done():
					return nil
				}
			case control.FlowControl:
				select {
				case flowCh <- m:
				case <-gctx.Done():
					return nil
				}
			case control.SegmentComplete:
				select {
				case completeCh <- m:
				case <-gctx.Done():
					return nil
				}
			case control.Heartbeat:
				out := make([]byte, 32)
				n, err := control.Encode(out, control.HeartbeatAck{Sequence: m.Sequence, TimestampUs: m.TimestampUs})
				if err == nil {
					select {
					case priorityCh <- out[:n]:
					case <-gctx.Done():
						return nil
					}
				}
			case control.HeartbeatAck:
				if sentAt, ok := heartbeatsOut.LoadAndDelete(m.Sequence); ok {
					rtt := time.Since(sentAt.(time.Time))
					e.sess.cong.OnRTT(rtt)
					if l := e.sess.links.Get(0); l != nil {
						l.RecordRTT(rtt.Microseconds())
					}
				}
			case control.Close:
				cancel()
				return nil
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
				e.sess.links.Tick()
				if e.met != nil {
					for _, l := range e.sess.links.Links() {
						e.met.LinkWeight.WithLabelValues(strconv.Itoa(int(l.ID()))).Set(l.Weight())
					}
				}
			}
		}
	})

	// heartbeat emitter: periodic RTT sampling for the BBR-lite controller,
	// also serving as a keepalive.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var seq uint32
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				seq++
				now := time.Now()
				hb := control.Heartbeat{Sequence: seq, TimestampUs: uint64(now.UnixMicro())}
				buf := make([]byte, 32)
				n, err := control.Encode(buf, hb)
				if err != nil {
					continue
				}
				heartbeatsOut.Store(seq, now)
				select {
				case priorityCh <- buf[:n]:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	// writer task, priority drained first then data, paced.
	g.Go(func() error {
		batchBytes := 0
		limiter := e.sess.cong.Limiter()
		for {
			select {
			case <-gctx.Done():
				return nil
			case b := <-priorityCh:
				e.ep.WriteTo(b, e.sess.peer())
				continue
			default:
			}
			select {
			case <-gctx.Done():
				return nil
			case b := <-priorityCh:
				e.ep.WriteTo(b, e.sess.peer())
			case b := <-dataCh:
				e.ep.WriteTo(b, e.sess.peer())
				e.sess.cong.OnSent(len(b))
				batchBytes += len(b)
				if batchBytes >= e.cfg.DataBatchBytes {
					n := batchBytes
					if burst := int(e.sess.cong.PacingRate()); n > burst && burst > 0 {
						n = burst
					}
					limiter.WaitN(gctx, max1(n))
					batchBytes = 0
				}
			}
		}
	})

	// producer task, emits fresh segments in order.
	g.Go(func() error {
		defer func() {
			// completion of production is not signalled; the termination
			// loop at the end of runTransfer polls ConfirmedCount instead.
		}()
		for segID := uint64(1); segID <= st.totalSegments; segID++ {
			if gctx.Err() != nil {
				return nil
			}
			data := make([]byte, st.segmentSize)
			n, err := st.source.ReadAt(data, int64(segID-1)*int64(st.segmentSize))
			if err != nil && err != io.EOF {
				return protoerr.Wrap(protoerr.Resource, err)
			}
			data = data[:n]
			if aead := e.sess.aeadSession(); aead != nil {
				data = aead.Seal(segID, data)
			}
			seg := chunk.Segment{ID: segID, Data: data}
			linkID := e.sess.links.Select()
			original := seg.Split(st.chunkSize, linkID, uint64(time.Now().UnixMicro()))
			r := e.sess.redundancyRatio(e.cfg.MinRedundancyRatio, e.cfg.MaxRedundancyRatio)
			redundant := chunk.Redundant(original, r, e.rng)
			all := append(append([]chunk.Chunk(nil), original...), redundant...)
			e.sess.publish(segID, all)
			if e.met != nil {
				e.met.RedundancyRatio.Set(r)
			}
			for i := range all {
				encoded := encodeChunk(&all[i])
				select {
				case dataCh <- encoded:
					if e.met != nil {
						e.met.ChunksSent.Inc()
						if all[i].IsRedundant {
							e.met.ChunksRedundant.Inc()
						}
					}
				case <-gctx.Done():
					return nil
				default:
					// data queue full: drop, NACK will recover it.
				}
			}
		}
		return nil
	})

	// NACK service.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case n := <-nackCh:
				lastNackOrServiceAtUnixNano.Store(time.Now().UnixNano())
				e.service(gctx, dataCh, n, &retransmittedCount)
			}
		}
	})

	// flow-control consumer.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case fc := <-flowCh:
				now := time.Now()
				if firstFlowControl {
					firstFlowControl = false
					e.sess.cong.SeedRate(fc.ProcessingRate) // hint ships in bytes/sec, already clamped to [50,500] MB/s.
				} else if !lastFlowAt.IsZero() && fc.LastCompletedSegmentID >= lastFlowCompletedID {
					// reordered FlowControl frames would underflow the delta.
					dt := now.Sub(lastFlowAt).Seconds()
					if dt > 0 {
						deltaSegs := fc.LastCompletedSegmentID - lastFlowCompletedID
						measured := float64(deltaSegs) * float64(st.chunksPerSegment) * float64(st.chunkSize) / dt
						e.sess.cong.OnFeedback(measured)
					}
				}
				lastFlowAt = now
				lastFlowCompletedID = fc.LastCompletedSegmentID
				if e.met != nil {
					e.met.PacingRateBytes.Set(e.sess.cong.PacingRate())
				}
			}
		}
	})

	// completion tracker. On shutdown it drains whatever SegmentComplete
	// frames the dispatcher already routed, so a Close arriving right behind
	// the final completions cannot leave confirmed counts short.
	g.Go(func() error {
		evict := func(sc control.SegmentComplete) {
			e.sess.evict(sc.SegmentID)
			if e.met != nil {
				e.met.SegmentsComplete.Inc()
			}
		}
		for {
			select {
			case <-gctx.Done():
				for {
					select {
					case sc := <-completeCh:
						evict(sc)
					default:
						return nil
					}
				}
			case sc := <-completeCh:
				evict(sc)
			}
		}
	})

	// poll termination conditions.
	deadline := e.deadline(st.totalSize)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-parent.Done():
			break loop
		case <-gctx.Done():
			// the dispatcher observed a Close: the receiver is finished, no
			// point waiting out the remaining deadlines.
			break loop
		case <-ticker.C:
			if e.sess.ConfirmedCount() >= st.totalSegments {
				break loop
			}
			if time.Since(start) > deadline {
				break loop
			}
			lastService := time.Unix(0, lastNackOrServiceAtUnixNano.Load())
			if retransmittedCount.Load() > 0 && time.Since(lastService) > 30*time.Second {
				break loop
			}
		}
	}
	cancel()
	g.Wait()

	if attrs := e.errs.LogAttrs(); len(attrs) > 0 {
		e.log.Warn("datagrams dropped at parse site", attrs...)
	}

	return Report{
		TotalSegments:       st.totalSegments,
		ConfirmedSegments:   e.sess.ConfirmedCount(),
		RetransmittedChunks: retransmittedCount.Load(),
		Elapsed:             time.Since(start),
		Success:             e.sess.ConfirmedCount() >= st.totalSegments,
	}, nil
}

// service re-enqueues the cached chunks for a NACK's requested ids (or the
// whole segment, by convention, when MissingChunkIDs is empty) onto the
// data queue, subject to the recent-service dedup window.
func (e *Engine) service(ctx context.Context, dataCh chan<- []byte, n control.Nack, retransmittedCount *atomic.Uint64) {
	all, ok := e.sess.lookup(n.SegmentID)
	if !ok {
		return // already evicted: SegmentComplete raced the NACK.
	}
	byID := make(map[uint32]*chunk.Chunk, len(all))
	for i := range all {
		if !all[i].IsRedundant {
			byID[all[i].ChunkID] = &all[i]
		}
	}
	wanted := n.MissingChunkIDs
	if len(wanted) == 0 {
		// whole-segment NACK by convention: resend every original chunk id.
		wanted = make([]uint32, 0, len(byID))
		for id := range byID {
			wanted = append(wanted, id)
		}
	}
	now := time.Now()
	for _, id := range wanted {
		c, ok := byID[id]
		if !ok || !e.sess.servicedAt.allow(n.SegmentID, id, now) {
			continue
		}
		encoded := encodeChunk(c)
		select {
		case dataCh <- encoded:
			retransmittedCount.Add(1)
		case <-ctx.Done():
			return
		default:
		}
	}
}

// deadline computes the sender's total session deadline:
// data_size/(5 MiB/s) + 60s, lower-bounded by 120s.
func (e *Engine) deadline(totalSize int64) time.Duration {
	d := time.Duration(float64(totalSize)/(5*1024*1024)*float64(time.Second)) + 60*time.Second
	if d < 120*time.Second {
		d = 120 * time.Second
	}
	return d
}

func encodeChunk(c *chunk.Chunk) []byte {
	buf := make([]byte, c.WireSize())
	n, err := c.Encode(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
