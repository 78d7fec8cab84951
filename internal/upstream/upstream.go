// Package upstream defines the block-source collaborator interface
// and a websocket-based reference implementation for local/dev use:
// the production Ouroboros mini-protocols are out of scope, but the
// daemon still needs something runnable end-to-end.
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/logging"
	"github.com/txpipe/dolos/internal/metrics"
)

// Source is what the executor pulls blocks from: a chain-
// intersection handshake followed by a stream of blocks or rollback
// signals, with cooperative cancellation.
type Source interface {
	// Intersect finds the first candidate (in order) the upstream still
	// has, or ok=false if none survive (fork deeper than the source's
	// retained history).
	Intersect(ctx context.Context, candidates []chainpoint.Point) (chainpoint.Point, bool, error)
	// NextBlock blocks until a block or a rollback target is available.
	// Exactly one of the two return values is non-nil on success.
	NextBlock(ctx context.Context) (*cardano.Block, *chainpoint.Point, error)
	// Cancel unblocks any in-flight NextBlock and releases the
	// connection; safe to call more than once.
	Cancel()
}

// frameKind discriminates the two message shapes the wire protocol
// carries, mirroring the entity package's [kind, payload] envelope
// idiom.
type frameKind uint8

const (
	frameBlock frameKind = iota
	frameRollback
)

type wireFrame struct {
	_       struct{} `cbor:",toarray"`
	Kind    frameKind
	Payload []byte
}

// EncodeBlockFrame builds the wire message a reference source sends
// for one block; exported so a test harness or reference server can
// produce frames this client accepts.
func EncodeBlockFrame(raw []byte) ([]byte, error) {
	return cbor.Marshal(wireFrame{Kind: frameBlock, Payload: raw})
}

// EncodeRollbackFrame builds the wire message for a rollback signal.
func EncodeRollbackFrame(p chainpoint.Point) ([]byte, error) {
	b := p.Bytes()
	return cbor.Marshal(wireFrame{Kind: frameRollback, Payload: b[:]})
}

func decodeFrame(raw []byte) (*cardano.Block, *chainpoint.Point, error) {
	var w wireFrame
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, nil, fmt.Errorf("upstream: decode frame: %w", err)
	}
	switch w.Kind {
	case frameBlock:
		blk, err := cardano.DecodeBlock(w.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("upstream: decode block frame: %w", err)
		}
		return blk, nil, nil
	case frameRollback:
		p, err := chainpoint.FromBytes(w.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("upstream: decode rollback frame: %w", err)
		}
		return nil, &p, nil
	default:
		return nil, nil, fmt.Errorf("upstream: unknown frame kind %d", w.Kind)
	}
}

// item is one decoded frame handed from the receive loop to NextBlock.
type item struct {
	block    *cardano.Block
	rollback *chainpoint.Point
	err      error
}

// WSClient is the reference Source: it dials a websocket endpoint,
// requests blocks from an intersection point, and reconnects on
// disconnect. Frames are optionally zstd-compressed.
type WSClient struct {
	addr       string
	compressed bool

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    bool
	lastPoint chainpoint.Point

	queue chan item
}

// QueueSize bounds how many decoded frames NextBlock may lag behind
// the receive loop before backpressure kicks in; framed in block
// counts rather than bytes since this wire carries one block per
// message.
const QueueSize = 256

// NewWSClient builds a client against addr ("host:port"); compressed
// selects whether frames are zstd-compressed on the wire.
func NewWSClient(addr string, compressed bool) *WSClient {
	return &WSClient{addr: addr, compressed: compressed, queue: make(chan item, QueueSize)}
}

// Intersect dials once, asks the reference source to confirm one of
// candidates, and leaves the connection open for the subsequent
// NextBlock stream to reuse.
func (c *WSClient) Intersect(ctx context.Context, candidates []chainpoint.Point) (chainpoint.Point, bool, error) {
	for _, cand := range candidates {
		if err := c.connect(ctx, cand); err != nil {
			continue
		}
		c.mu.Lock()
		c.lastPoint = cand
		c.mu.Unlock()
		go c.receiveLoop()
		return cand, true, nil
	}
	return chainpoint.Point{}, false, fmt.Errorf("upstream: no candidate point accepted by %s", c.addr)
}

func (c *WSClient) connect(ctx context.Context, from chainpoint.Point) error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	q := u.Query()
	q.Set("from_slot", fmt.Sprintf("%d", from.Slot))
	if !from.IsOrigin() {
		q.Set("from_hash", fmt.Sprintf("%x", from.Hash))
	}
	u.RawQuery = q.Encode()

	conn, _, err := (&websocket.Dialer{HandshakeTimeout: 10 * time.Second}).DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("upstream: connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) receiveLoop() {
	var dec *zstd.Decoder
	if c.compressed {
		dec, _ = zstd.NewReader(nil)
	}
	for {
		c.mu.Lock()
		conn := c.conn
		canceled := c.cancel
		c.mu.Unlock()
		if canceled || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.queue <- item{err: fmt.Errorf("upstream: read: %w", err)}
			return
		}
		if dec != nil {
			data, err = dec.DecodeAll(data, nil)
			if err != nil {
				c.queue <- item{err: fmt.Errorf("upstream: decompress: %w", err)}
				return
			}
		}
		blk, rollback, err := decodeFrame(data)
		if err != nil {
			c.queue <- item{err: err}
			return
		}
		if rollback != nil {
			metrics.UpstreamRollbacksReceived.Inc()
			c.mu.Lock()
			c.lastPoint = *rollback
			c.mu.Unlock()
		} else {
			c.mu.Lock()
			c.lastPoint = chainpoint.New(blk.Header.Slot, blk.Header.Hash)
			c.mu.Unlock()
		}
		c.queue <- item{block: blk, rollback: rollback}
	}
}

// NextBlock waits for the next decoded frame. On a transient read
// error it logs, waits five seconds, redials from the last known point
// and restarts the receive loop, then returns the read error; the next
// call waits on the new connection.
func (c *WSClient) NextBlock(ctx context.Context) (*cardano.Block, *chainpoint.Point, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case it := <-c.queue:
		if it.err == nil {
			return it.block, it.rollback, nil
		}

		c.mu.Lock()
		canceled := c.cancel
		from := c.lastPoint
		c.mu.Unlock()
		if canceled {
			return nil, nil, it.err
		}

		logging.Upstream.Printf("transient error, reconnecting: %v", it.err)
		metrics.UpstreamReconnectsTotal.Inc()
		time.Sleep(5 * time.Second)
		if err := c.connect(ctx, from); err != nil {
			return nil, nil, fmt.Errorf("upstream: reconnect: %w", err)
		}
		go c.receiveLoop()
		return nil, nil, it.err
	}
}

// Cancel closes the underlying connection, unblocking any in-flight
// NextBlock with a read error.
func (c *WSClient) Cancel() {
	c.mu.Lock()
	c.cancel = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
