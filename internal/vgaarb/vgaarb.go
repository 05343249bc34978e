// Package vgaarb is a client for the kernel VGA arbiter.
//
// The arbiter lets cooperating processes take turns decoding the legacy VGA
// I/O ports and memory window. Commands are plain text, one per write, at most
// MaxMessage bytes and without a terminator; the node answers a target command
// with a status line.
//
// A Client is not safe for concurrent use. Lock blocks in the kernel until the
// resources are granted and cannot be cancelled; callers wanting a timeout
// should poll TryLock.
package vgaarb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinyrange/pciaccess/internal/debug"
	"github.com/tinyrange/pciaccess/internal/pci"
	"github.com/tinyrange/pciaccess/internal/tracing"
)

const tracerName = "github.com/tinyrange/pciaccess/internal/vgaarb"

var errClosed = errors.New("vgaarb: client closed")

// Client is one session with the arbiter node.
type Client struct {
	conn   Conn
	sys    *pci.System
	log    *slog.Logger
	tracer trace.Tracer
	trace  debug.Debug

	count      int
	state      map[pci.Address]Resource
	defaultDev *pci.Device

	closed bool
}

type options struct {
	path   string
	conn   Conn
	log    *slog.Logger
	traces trace.TracerProvider
	debug  *debug.Log
}

// Option configures Open.
type Option func(*options)

// WithDevicePath opens path instead of DefaultDevicePath.
func WithDevicePath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithConn uses an already open connection instead of opening the node.
func WithConn(conn Conn) Option {
	return func(o *options) { o.conn = conn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.traces = tp }
}

// WithDebug records every command and status line in a transcript.
func WithDebug(log *debug.Log) Option {
	return func(o *options) { o.debug = log }
}

// Open connects to the arbiter. Failing to open the node is fatal and reported
// as pci.ErrDeviceUnavailable. sys may be nil; with a System the kernel's
// default VGA device is resolved through it.
func Open(ctx context.Context, sys *pci.System, opts ...Option) (*Client, error) {
	o := options{path: DefaultDevicePath}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.traces == nil {
		o.traces = otel.GetTracerProvider()
	}

	conn := o.conn
	if conn == nil {
		var err error
		conn, err = openConn(o.path)
		if err != nil {
			return nil, fmt.Errorf("vgaarb: open %s: %w: %w", o.path, pci.ErrDeviceUnavailable, err)
		}
	}

	c := &Client{
		conn:   conn,
		sys:    sys,
		log:    o.log,
		tracer: o.traces.Tracer(tracerName),
		trace:  o.debug.WithSource("vgaarb"),
		state:  make(map[pci.Address]Resource),
	}

	ctx, span := c.tracer.Start(ctx, "vgaarb.open")
	defer span.End()
	if sys != nil {
		span.SetAttributes(attribute.String(tracing.AttrPCIBackend, sys.Backend().Name()))
	}

	// A fresh handle reports the kernel's default VGA device.
	st, err := c.readStatus(ctx)
	if err != nil {
		c.log.Warn("vga arbiter initial status unavailable", "error", err)
		span.RecordError(err)
		return c, nil
	}
	c.applyCount(st)
	if st.HasDevice && sys != nil {
		if dev := sys.FindSlot(st.Device); dev != nil {
			c.defaultDev = dev
			c.state[dev.Address] = st.Decodes
		}
	}
	span.SetAttributes(attribute.Int(tracing.AttrVGACount, c.count))
	return c, nil
}

// Count returns the number of VGA devices last reported by the kernel. It is
// zero until the kernel has reported a count.
func (c *Client) Count() int { return c.count }

// DefaultDevice returns the kernel's default VGA device, or nil.
func (c *Client) DefaultDevice() *pci.Device { return c.defaultDev }

// Decodes returns the cached decode state of dev.
func (c *Client) Decodes(dev *pci.Device) Resource { return c.state[dev.Address] }

func (c *Client) applyCount(st Status) {
	if st.Count >= 0 {
		c.count = st.Count
	}
}

func (c *Client) startSpan(ctx context.Context, op string, dev *pci.Device) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "vgaarb."+op, trace.WithAttributes(
		attribute.String(tracing.AttrPCIAddress, dev.Address.String()),
		attribute.String(tracing.AttrVGAResource, c.state[dev.Address].String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// send writes msg as a single message. A short write is a protocol violation
// and is not retried.
func (c *Client) send(msg string) error {
	if c.closed {
		return errClosed
	}
	if len(msg) > MaxMessage {
		return fmt.Errorf("%w: %d byte message exceeds %d", pci.ErrProtocolViolation, len(msg), MaxMessage)
	}

	c.trace.Command([]byte(msg))
	c.log.Debug("vga arbiter command", "msg", msg)

	n, err := c.conn.Write([]byte(msg))
	if err != nil {
		c.trace.Writef("%q failed: %v", msg, err)
		return err
	}
	if n != len(msg) {
		c.trace.Writef("%q short write %d/%d", msg, n, len(msg))
		return fmt.Errorf("%w: wrote %d of %d bytes", pci.ErrProtocolViolation, n, len(msg))
	}
	return nil
}

func (c *Client) readStatus(ctx context.Context) (Status, error) {
	if c.closed {
		return Status{}, errClosed
	}
	var buf [MaxMessage]byte
	n, err := c.conn.Read(buf[:])
	if err != nil {
		return Status{}, fmt.Errorf("read status: %w", err)
	}
	if n == 0 {
		return Status{}, fmt.Errorf("%w: empty status line", pci.ErrProtocolViolation)
	}
	line := string(buf[:n])
	c.trace.Response(buf[:n])

	st := ParseStatus(line)
	if st.Defaulted {
		c.log.Warn("vga arbiter status malformed, decodes defaulted to none", "status", line)
		trace.SpanFromContext(ctx).AddEvent(tracing.EventStatusDefaulted, trace.WithAttributes(
			attribute.String(tracing.AttrVGAStatusLine, line),
		))
	}
	return st, nil
}

// SetTarget makes dev the target of subsequent commands and reads back its
// decode state and the device count.
func (c *Client) SetTarget(ctx context.Context, dev *pci.Device) (st Status, err error) {
	ctx, span := c.startSpan(ctx, "target", dev)
	defer func() { endSpan(span, err) }()

	a := dev.Address
	msg := fmt.Sprintf("target PCI:%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
	if err := c.send(msg); err != nil {
		return Status{}, fmt.Errorf("vgaarb: target %s: %w", a, err)
	}
	st, err = c.readStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("vgaarb: target %s: %w", a, err)
	}

	c.applyCount(st)
	c.state[a] = st.Decodes
	span.SetAttributes(
		attribute.Int(tracing.AttrVGACount, c.count),
		attribute.String(tracing.AttrVGAResource, st.Decodes.String()),
	)
	return st, nil
}

// SetDecodes tells the arbiter which legacy resources dev decodes. Setting the
// current state again does nothing. The cached state changes only once the
// command has been accepted.
func (c *Client) SetDecodes(ctx context.Context, dev *pci.Device, r Resource) (err error) {
	old := c.state[dev.Address]
	if r == old {
		return nil
	}

	_, span := c.startSpan(ctx, "decodes", dev)
	defer func() { endSpan(span, err) }()

	if err := c.send("decodes " + old.String()); err != nil {
		return fmt.Errorf("vgaarb: decodes %s: %w", dev.Address, err)
	}
	c.state[dev.Address] = r
	return nil
}

// skip reports whether arbitration is pointless for dev: it decodes nothing,
// or it is the only VGA device.
func (c *Client) skip(dev *pci.Device) bool {
	return c.state[dev.Address] == ResourceNone || c.count == 1
}

func (c *Client) lockCommand(ctx context.Context, op string, dev *pci.Device) (err error) {
	_, span := c.startSpan(ctx, op, dev)
	defer func() { endSpan(span, err) }()

	if c.skip(dev) {
		span.SetAttributes(attribute.Bool(tracing.AttrVGASkipped, true))
		return nil
	}
	if err := c.send(op + " " + c.state[dev.Address].String()); err != nil {
		return fmt.Errorf("vgaarb: %s %s: %w", op, dev.Address, err)
	}
	return nil
}

// Lock acquires dev's legacy resources, blocking until the kernel grants
// them.
func (c *Client) Lock(ctx context.Context, dev *pci.Device) error {
	return c.lockCommand(ctx, "lock", dev)
}

// Unlock releases dev's legacy resources.
func (c *Client) Unlock(ctx context.Context, dev *pci.Device) error {
	return c.lockCommand(ctx, "unlock", dev)
}

// TryLock attempts to acquire dev's legacy resources without blocking. It
// returns (true, nil) when acquired, (false, nil) when another process holds
// them, and (false, err) on any other failure.
func (c *Client) TryLock(ctx context.Context, dev *pci.Device) (acquired bool, err error) {
	_, span := c.startSpan(ctx, "trylock", dev)
	defer func() { endSpan(span, err) }()

	if c.skip(dev) {
		span.SetAttributes(attribute.Bool(tracing.AttrVGASkipped, true))
		return true, nil
	}

	err = c.send("trylock " + c.state[dev.Address].String())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pci.ErrBusy):
		span.SetAttributes(attribute.Bool(tracing.AttrVGAContended, true))
		return false, nil
	default:
		return false, fmt.Errorf("vgaarb: trylock %s: %w", dev.Address, err)
	}
}

// Close releases the arbiter handle. The kernel drops any locks the handle
// still holds.
func (c *Client) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	clear(c.state)
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("vgaarb: close: %w", err)
	}
	return nil
}
