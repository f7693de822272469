package driver

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SerialDriver implements Driver on top of a BLE central bridge adapter
// attached over UART / USB CDC ACM. The adapter speaks a sequence-tagged
// line protocol:
//
//	-> 7 CONNECT AA:BB:CC:DD:EE:FF
//	<- 7 OK 3
//	-> 8 WRITE 3 0000ffd9-0000-1000-8000-00805f9b34fb CC2333
//	<- 8 OK
//	-> 9 DISCONNECT 3
//	<- 9 ERR not connected
//	<- * LOST 3
type SerialDriver struct {
	port    io.ReadWriteCloser
	reader  *bufio.Reader
	logger  *slog.Logger
	timeout time.Duration

	seq     atomic.Uint32
	pending map[uint32]chan bridgeReply
	pendMu  sync.Mutex
	writeMu sync.Mutex

	// CONNECT requests that stopped waiting before the adapter answered.
	// Guarded by pendMu.
	abandoned map[uint32]struct{}

	// Sessions issued by Connect, keyed by adapter connection id.
	connMu sync.Mutex
	conns  map[string]*serialHandle

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type serialHandle struct {
	id   string
	lost atomic.Bool
}

type bridgeReply struct {
	ok   bool
	args string
}

const (
	defaultBridgeTimeout = 10 * time.Second
	maxBridgeLine        = 512
)

// SerialConfig holds serial port settings for the bridge adapter.
type SerialConfig struct {
	Port    string
	Baud    int
	Timeout time.Duration // per-request timeout, 0 = default
}

// NewSerialDriver opens the serial port and verifies the adapter responds.
func NewSerialDriver(cfg SerialConfig, logger *slog.Logger) (*SerialDriver, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("serial driver: open %s: %w", cfg.Port, err)
	}
	// USB CDC ACM adapters only start talking once DTR is asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	d := newSerialDriver(port, cfg.Timeout, logger)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if _, err := d.request(ctx, "PING"); err != nil {
		d.Close()
		return nil, fmt.Errorf("serial driver: ping %s: %w", cfg.Port, err)
	}
	logger.Info("BLE bridge adapter ready", "port", cfg.Port, "baud", cfg.Baud)
	return d, nil
}

func newSerialDriver(port io.ReadWriteCloser, timeout time.Duration, logger *slog.Logger) *SerialDriver {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	d := &SerialDriver{
		port:      port,
		reader:    bufio.NewReaderSize(port, maxBridgeLine),
		logger:    logger.With("component", "serial_driver"),
		timeout:   timeout,
		pending:   make(map[uint32]chan bridgeReply),
		abandoned: make(map[uint32]struct{}),
		conns:     make(map[string]*serialHandle),
		done:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

func (d *SerialDriver) Connect(ctx context.Context, address string) (Handle, error) {
	args, err := d.request(ctx, "CONNECT "+address)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(args)
	if id == "" {
		return nil, fmt.Errorf("bridge connect %s: empty connection id", address)
	}
	h := &serialHandle{id: id}
	d.connMu.Lock()
	d.conns[id] = h
	d.connMu.Unlock()
	return h, nil
}

func (d *SerialDriver) Disconnect(ctx context.Context, h Handle) error {
	sh, err := d.handle(h)
	if err != nil {
		return err
	}
	d.connMu.Lock()
	delete(d.conns, sh.id)
	d.connMu.Unlock()
	if sh.lost.Load() {
		return nil
	}
	_, err = d.request(ctx, "DISCONNECT "+sh.id)
	return err
}

func (d *SerialDriver) PowerOn(ctx context.Context, h Handle) error {
	return d.write(ctx, h, EncodePower(true))
}

func (d *SerialDriver) PowerOff(ctx context.Context, h Handle) error {
	return d.write(ctx, h, EncodePower(false))
}

func (d *SerialDriver) SetColor(ctx context.Context, r, g, b uint8, h Handle) error {
	return d.write(ctx, h, EncodeRGB(r, g, b))
}

func (d *SerialDriver) write(ctx context.Context, h Handle, frame []byte) error {
	sh, err := d.handle(h)
	if err != nil {
		return err
	}
	if sh.lost.Load() {
		return fmt.Errorf("connection %s lost", sh.id)
	}
	_, err = d.request(ctx, fmt.Sprintf("WRITE %s %s %s", sh.id, TrionesWriteCharUUID, strings.ToUpper(hex.EncodeToString(frame))))
	return err
}

func (d *SerialDriver) handle(h Handle) (*serialHandle, error) {
	sh, ok := h.(*serialHandle)
	if !ok || sh == nil {
		return nil, ErrUnknownHandle
	}
	d.connMu.Lock()
	_, known := d.conns[sh.id]
	d.connMu.Unlock()
	if !known {
		return nil, ErrUnknownHandle
	}
	return sh, nil
}

// request sends one command line and waits for the matching reply.
func (d *SerialDriver) request(ctx context.Context, cmd string) (string, error) {
	select {
	case <-d.done:
		return "", ErrClosed
	default:
	}
	seq := d.seq.Add(1)

	ch := make(chan bridgeReply, 1)
	d.pendMu.Lock()
	d.pending[seq] = ch
	d.pendMu.Unlock()
	defer func() {
		d.pendMu.Lock()
		delete(d.pending, seq)
		d.pendMu.Unlock()
	}()

	line := fmt.Sprintf("%d %s\n", seq, cmd)
	d.writeMu.Lock()
	_, err := io.WriteString(d.port, line)
	d.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("serial write: %w", err)
	}
	d.logger.Debug("bridge TX", "seq", seq, "cmd", cmd)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return "", ErrClosed
		}
		if !reply.ok {
			return "", fmt.Errorf("bridge %s: %s", verb(cmd), reply.args)
		}
		return reply.args, nil
	case <-timer.C:
		d.logger.Warn("bridge timeout", "seq", seq, "cmd", verb(cmd))
		d.abandon(seq, cmd, ch)
		return "", fmt.Errorf("bridge %s: timeout after %s", verb(cmd), d.timeout)
	case <-ctx.Done():
		d.abandon(seq, cmd, ch)
		return "", ctx.Err()
	case <-d.done:
		return "", ErrClosed
	}
}

// abandon stops tracking seq. A CONNECT may still succeed on the adapter
// after we gave up, so its sequence number is kept and a late OK is answered
// with a DISCONNECT.
func (d *SerialDriver) abandon(seq uint32, cmd string, ch chan bridgeReply) {
	if verb(cmd) != "connect" {
		return
	}
	d.pendMu.Lock()
	delete(d.pending, seq)
	select {
	case reply := <-ch:
		// Arrived between the timer firing and now.
		d.pendMu.Unlock()
		if reply.ok {
			d.releaseLate(seq, reply.args)
		}
		return
	default:
	}
	d.abandoned[seq] = struct{}{}
	d.pendMu.Unlock()
}

// releaseLate disconnects an adapter session that no handle owns.
func (d *SerialDriver) releaseLate(seq uint32, args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		return
	}
	d.logger.Warn("bridge connected after timeout, releasing session", "seq", seq, "conn", id)
	go func() {
		if _, err := d.request(context.Background(), "DISCONNECT "+id); err != nil {
			d.logger.Warn("release late session", "conn", id, "err", err)
		}
	}()
}

func verb(cmd string) string {
	v, _, _ := strings.Cut(cmd, " ")
	return strings.ToLower(v)
}

func (d *SerialDriver) readLoop() {
	defer d.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	// Set while skipping the rest of a line that overflowed the buffer.
	overlong := false

	for {
		select {
		case <-d.done:
			return
		default:
		}

		line, err := d.reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if !overlong {
				d.logger.Warn("bridge line too long, dropped", "limit", maxBridgeLine)
			}
			overlong = true
			continue
		}
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				d.logger.Error("serial read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-d.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		if overlong {
			overlong = false
			continue
		}
		d.handleLine(strings.TrimSpace(string(line)))
	}
}

func (d *SerialDriver) handleLine(line string) {
	if line == "" {
		return
	}
	tag, rest, _ := strings.Cut(line, " ")
	if tag == "*" {
		d.handleIndication(rest)
		return
	}

	seq, err := strconv.ParseUint(tag, 10, 32)
	if err != nil {
		d.logger.Warn("bridge RX: malformed line", "line", line)
		return
	}
	status, args, _ := strings.Cut(rest, " ")
	reply := bridgeReply{ok: status == "OK", args: args}

	// Delivery happens under pendMu so abandon sees either the reply in
	// the channel or the abandoned entry, never neither.
	d.pendMu.Lock()
	ch, ok := d.pending[uint32(seq)]
	if ok {
		select {
		case ch <- reply:
		default:
		}
	}
	_, late := d.abandoned[uint32(seq)]
	delete(d.abandoned, uint32(seq))
	d.pendMu.Unlock()

	switch {
	case ok:
		d.logger.Debug("bridge RX", "seq", seq, "status", status, "args", args)
	case late && reply.ok:
		d.releaseLate(uint32(seq), args)
	default:
		d.logger.Warn("bridge orphaned reply (too late)", "seq", seq, "status", status)
	}
}

func (d *SerialDriver) handleIndication(rest string) {
	kind, args, _ := strings.Cut(rest, " ")
	switch kind {
	case "LOST":
		id := strings.TrimSpace(args)
		d.connMu.Lock()
		h, ok := d.conns[id]
		d.connMu.Unlock()
		if ok {
			h.lost.Store(true)
		}
		d.logger.Warn("bridge reports connection lost", "conn", id)
	default:
		d.logger.Debug("bridge indication ignored", "kind", kind, "args", args)
	}
}

// Close stops the read loop and closes the port. Outstanding requests fail
// with ErrClosed.
func (d *SerialDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.port.Close()
		d.wg.Wait()

		d.pendMu.Lock()
		for seq, ch := range d.pending {
			close(ch)
			delete(d.pending, seq)
		}
		d.pendMu.Unlock()
	})
	return err
}
