package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/xixiha5230/BleCore/internal/ble/protocol"
)

// WriteOptions configures a Writer.
type WriteOptions struct {
	FallbackChunkSize int           // used when the link MTU is unknown
	InterPacketDelay  time.Duration // minimum spacing between packets
	ContinueOnFailure bool          // keep sending after a failed packet
}

// DefaultWriteOptions returns the defaults for a link at the initial MTU.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{FallbackChunkSize: protocol.DefaultChunkSize}
}

// PacketStatus is the outcome of one packet.
type PacketStatus int

const (
	PacketPending PacketStatus = iota
	PacketSucceeded
	PacketFailed
)

func (s PacketStatus) String() string {
	switch s {
	case PacketPending:
		return "pending"
	case PacketSucceeded:
		return "succeeded"
	case PacketFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Packet is one MTU-sized slice of a write.
type Packet struct {
	Seq    int // 1-based
	Data   []byte
	Status PacketStatus
	Err    error
}

// Transaction is a single payload write split into packets.
type Transaction struct {
	ID          ulid.ULID
	ServiceUUID string
	CharUUID    string
	Payload     []byte
	ChunkSize   int
	Packets     []Packet
}

// AllSucceeded reports whether every packet was written.
func (t *Transaction) AllSucceeded() bool {
	if len(t.Packets) == 0 {
		return false
	}
	for _, p := range t.Packets {
		if p.Status != PacketSucceeded {
			return false
		}
	}
	return true
}

// WriteEventType tags a WriteEvent.
type WriteEventType int

const (
	PacketWritten WriteEventType = iota
	WriteComplete
)

func (t WriteEventType) String() string {
	switch t {
	case PacketWritten:
		return "packet written"
	case WriteComplete:
		return "write complete"
	default:
		return "unknown"
	}
}

// WriteEvent is one entry of a write transaction's stream. PacketWritten
// carries Seq, Total and, on failure, a *WriteError. WriteComplete carries the
// aggregate outcome and the finished Transaction; its Err is set only when the
// write could not start.
type WriteEvent struct {
	Type         WriteEventType
	ID           ulid.ULID
	Seq          int
	Total        int
	Err          error
	AllSucceeded bool
	Transaction  *Transaction
}

// Writer runs write transactions over open connections.
type Writer struct {
	opts   WriteOptions
	logger *slog.Logger
}

// NewWriter creates a Writer.
func NewWriter(opts WriteOptions, logger *slog.Logger) *Writer {
	if opts.FallbackChunkSize <= 0 {
		opts.FallbackChunkSize = protocol.DefaultChunkSize
	}
	if opts.InterPacketDelay < 0 {
		opts.InterPacketDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{opts: opts, logger: logger}
}

// Options returns the effective options.
func (w *Writer) Options() WriteOptions { return w.opts }

// Write splits payload by the link MTU and writes the packets in order to the
// characteristic. Each packet's outcome is emitted before the next packet is
// issued; the stream ends with exactly one WriteComplete.
func (w *Writer) Write(ctx context.Context, conn Connection, serviceUUID, charUUID string, payload []byte) <-chan WriteEvent {
	events := newStream[WriteEvent]()
	tx := &Transaction{
		ID:          ulid.Make(),
		ServiceUUID: serviceUUID,
		CharUUID:    charUUID,
		Payload:     append([]byte(nil), payload...),
	}

	if conn == nil {
		w.abort(events, tx, ErrNotConnected)
		return events.C()
	}
	char, err := conn.DiscoverCharacteristic(serviceUUID, charUUID)
	if err != nil {
		w.abort(events, tx, fmt.Errorf("ble: discover characteristic %s: %w", charUUID, err))
		return events.C()
	}

	mtu, err := conn.MTU()
	if err != nil {
		w.logger.Debug("[BLE] mtu unknown, using fallback chunk size", "error", err)
		mtu = 0
	}
	tx.ChunkSize = protocol.ChunkSize(mtu, w.opts.FallbackChunkSize)
	for i, data := range protocol.Split(tx.Payload, tx.ChunkSize) {
		tx.Packets = append(tx.Packets, Packet{Seq: i + 1, Data: data})
	}

	go w.run(ctx, events, char, tx)
	return events.C()
}

func (w *Writer) abort(events *stream[WriteEvent], tx *Transaction, err error) {
	w.logger.Error("[BLE] write not started", "tx", tx.ID.String(), "error", err)
	events.emit(WriteEvent{Type: WriteComplete, ID: tx.ID, Err: err, Transaction: tx})
	events.close()
}

func (w *Writer) run(ctx context.Context, events *stream[WriteEvent], char Characteristic, tx *Transaction) {
	defer events.close()

	limit := rate.Inf
	if w.opts.InterPacketDelay > 0 {
		limit = rate.Every(w.opts.InterPacketDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	total := len(tx.Packets)
	w.logger.Debug("[BLE] write started", "tx", tx.ID.String(), "char", tx.CharUUID,
		"bytes", len(tx.Payload), "chunk_size", tx.ChunkSize, "packets", total)

	failed := false
	for i := range tx.Packets {
		pkt := &tx.Packets[i]
		if failed && !w.opts.ContinueOnFailure {
			break
		}

		err := limiter.Wait(ctx)
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = char.Write(pkt.Data)
		}

		if err != nil {
			failed = true
			pkt.Status = PacketFailed
			pkt.Err = &WriteError{Seq: pkt.Seq, Err: err}
			w.logger.Warn("[BLE] packet write failed", "tx", tx.ID.String(), "seq", pkt.Seq, "total", total, "error", err)
		} else {
			pkt.Status = PacketSucceeded
		}
		events.emit(WriteEvent{Type: PacketWritten, ID: tx.ID, Seq: pkt.Seq, Total: total, Err: pkt.Err})

		if ctx.Err() != nil {
			break
		}
	}

	ok := tx.AllSucceeded()
	events.emit(WriteEvent{Type: WriteComplete, ID: tx.ID, Total: total, AllSucceeded: ok, Transaction: tx})
	w.logger.Info("[BLE] write finished", "tx", tx.ID.String(), "packets", total, "all_succeeded", ok)
}
