// Package capture obtains screen content as DMA-BUF frames through the
// compositor's export-dmabuf protocol.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Wayland core objects and opcodes used by this client.
const (
	displayID uint32 = 1

	reqDisplaySync        uint16 = 0
	reqDisplayGetRegistry uint16 = 1
	evtDisplayError       uint16 = 0
	evtDisplayDeleteID    uint16 = 1

	reqRegistryBind   uint16 = 0
	evtRegistryGlobal uint16 = 0
	evtRegistryRemove uint16 = 1

	evtCallbackDone uint16 = 0

	evtOutputName uint16 = 4

	reqManagerCaptureOutput uint16 = 0
	reqManagerDestroy       uint16 = 1

	reqFrameDestroy uint16 = 0
	evtFrameFrame   uint16 = 0
	evtFrameObject  uint16 = 1
	evtFrameReady   uint16 = 2
	evtFrameCancel  uint16 = 3
)

const (
	outputInterface  = "wl_output"
	managerInterface = "zwlr_export_dmabuf_manager_v1"

	// outputBindVersion is the highest wl_output version this client
	// understands; version 4 added the name event.
	outputBindVersion = 4
)

// Compositor cancel reasons.
const (
	cancelTemporary uint32 = 0
	cancelPermanent uint32 = 1
	cancelResizing  uint32 = 2
)

// pollInterval bounds a single blocking socket read so cancellation is
// checked regularly.
const pollInterval = 200 * time.Millisecond

// roundtripTimeout bounds the initial registry handshake.
const roundtripTimeout = 5 * time.Second

// ErrCancelled is returned when the compositor cancels a capture for a
// retryable reason; the caller should re-arm.
var ErrCancelled = errors.New("capture cancelled by compositor")

// ErrPermanent is returned when the compositor cancels a capture permanently;
// the capture loop cannot continue.
var ErrPermanent = errors.New("capture cancelled permanently")

// Output is a compositor output advertised through the registry.
type Output struct {
	global uint32
	id     uint32
	Name   string
}

// frameState tracks the in-flight capture between capture_output and
// ready/cancel.
type frameState struct {
	frame     *Frame
	ready     bool
	cancelled bool
	reason    uint32
}

// Client speaks just enough Wayland to drive zwlr_export_dmabuf_v1: registry
// discovery, output enumeration and the frame event sequence.
//
// Client is not safe for concurrent use; the dispatcher owns it.
type Client struct {
	w       *wire
	nextID  uint32
	free    []uint32
	fatal   error
	syncs   map[uint32]bool
	outputs []*Output

	registryID uint32
	managerID  uint32

	target  *Output
	pending *frameState
}

// Connect dials the compositor, enumerates outputs and binds the
// export-dmabuf manager. It fails if the compositor advertises no outputs or
// lacks the protocol.
func Connect() (*Client, error) {
	w, err := dialWire()
	if err != nil {
		return nil, err
	}
	return handshake(w)
}

func handshake(w *wire) (*Client, error) {
	c := &Client{w: w, nextID: 1, syncs: make(map[uint32]bool)}

	c.registryID = c.alloc()
	if err := c.w.writeMsg(displayID, reqDisplayGetRegistry, (&encoder{}).Uint(c.registryID).data); err != nil {
		_ = w.close()
		return nil, err
	}

	// First roundtrip collects globals, second collects the output names
	// that arrive after binding.
	for i := 0; i < 2; i++ {
		if err := c.roundtrip(); err != nil {
			_ = w.close()
			return nil, err
		}
	}

	if len(c.outputs) == 0 {
		_ = w.close()
		return nil, fmt.Errorf("compositor advertised no outputs")
	}
	if c.managerID == 0 {
		_ = w.close()
		return nil, fmt.Errorf("compositor does not support %s", managerInterface)
	}

	for _, out := range c.outputs {
		log.Debug().Str("output", out.Name).Msg("Found output")
	}
	return c, nil
}

// SelectOutput picks the capture target by name, or the last advertised
// output when name is empty.
func (c *Client) SelectOutput(name string) error {
	if name == "" {
		c.target = c.outputs[len(c.outputs)-1]
		return nil
	}
	for _, out := range c.outputs {
		if out.Name == name {
			c.target = out
			return nil
		}
	}
	return fmt.Errorf("output %q not found", name)
}

// Target returns the selected output's name.
func (c *Client) Target() string {
	if c.target == nil {
		return ""
	}
	return c.target.Name
}

// Next requests one frame (without cursor) from the selected output and
// blocks until the compositor delivers or cancels it. A retryable cancel
// returns ErrCancelled, a permanent one ErrPermanent. Cancellation of ctx
// abandons the capture.
func (c *Client) Next(ctx context.Context) (*Frame, error) {
	if c.target == nil {
		return nil, fmt.Errorf("no capture target selected")
	}

	id := c.alloc()
	payload := (&encoder{}).Uint(id).Int(0).Uint(c.target.id).data
	if err := c.w.writeMsg(c.managerID, reqManagerCaptureOutput, payload); err != nil {
		return nil, err
	}

	st := &frameState{frame: &Frame{client: c, id: id}}
	c.pending = st
	defer func() { c.pending = nil }()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := c.dispatchOne(time.Now().Add(pollInterval))
		if err != nil && !errors.Is(err, errReadTimeout) {
			return nil, err
		}
		if c.fatal != nil {
			return nil, c.fatal
		}

		switch {
		case st.ready:
			return st.frame, nil
		case st.cancelled:
			_ = st.frame.Close()
			if st.reason == cancelPermanent {
				return nil, ErrPermanent
			}
			return nil, ErrCancelled
		}
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	if c.managerID != 0 {
		_ = c.w.writeMsg(c.managerID, reqManagerDestroy, nil)
	}
	return c.w.close()
}

// dispatchOne reads and routes a single event.
func (c *Client) dispatchOne(deadline time.Time) error {
	msg, err := c.w.readMsg(deadline)
	if err != nil {
		return err
	}
	c.handle(msg)
	return nil
}

func (c *Client) handle(msg *message) {
	switch {
	case msg.Object == displayID:
		c.handleDisplay(msg)
	case msg.Object == c.registryID:
		c.handleRegistry(msg)
	case c.isSync(msg.Object):
		if msg.Opcode == evtCallbackDone {
			c.syncs[msg.Object] = true
		}
	case c.pending != nil && msg.Object == c.pending.frame.id:
		c.handleFrame(msg)
	default:
		c.handleOutput(msg)
	}
}

func (c *Client) handleDisplay(msg *message) {
	switch msg.Opcode {
	case evtDisplayError:
		object := msg.Uint()
		code := msg.Uint()
		text := msg.String()
		c.fatal = fmt.Errorf("compositor protocol error on object %d (code %d): %s", object, code, text)
	case evtDisplayDeleteID:
		c.release(msg.Uint())
	}
}

func (c *Client) handleRegistry(msg *message) {
	switch msg.Opcode {
	case evtRegistryGlobal:
		name := msg.Uint()
		iface := msg.String()
		version := msg.Uint()

		switch iface {
		case outputInterface:
			bindVersion := version
			if bindVersion > outputBindVersion {
				bindVersion = outputBindVersion
			}
			id, err := c.bind(name, iface, bindVersion)
			if err != nil {
				c.fatal = err
				return
			}
			c.outputs = append(c.outputs, &Output{global: name, id: id})
		case managerInterface:
			id, err := c.bind(name, iface, 1)
			if err != nil {
				c.fatal = err
				return
			}
			c.managerID = id
		}
	case evtRegistryRemove:
		name := msg.Uint()
		for i, out := range c.outputs {
			if out.global == name {
				c.outputs = append(c.outputs[:i], c.outputs[i+1:]...)
				break
			}
		}
	}
}

func (c *Client) handleOutput(msg *message) {
	for _, out := range c.outputs {
		if out.id == msg.Object && msg.Opcode == evtOutputName {
			out.Name = msg.String()
			return
		}
	}
}

func (c *Client) handleFrame(msg *message) {
	f := c.pending.frame
	switch msg.Opcode {
	case evtFrameFrame:
		f.Width = msg.Uint()
		f.Height = msg.Uint()
		msg.Uint() // offset_x
		msg.Uint() // offset_y
		msg.Uint() // buffer_flags
		msg.Uint() // flags
		f.Format = msg.Uint()
		modHigh := msg.Uint()
		modLow := msg.Uint()
		f.Modifier = uint64(modHigh)<<32 | uint64(modLow)
		f.PlaneCount = msg.Uint()
	case evtFrameObject:
		msg.Uint() // index; objects arrive in order
		fd, err := c.w.takeFD()
		if err != nil {
			c.fatal = err
			return
		}
		f.Objects = append(f.Objects, Object{
			FD:         fd,
			Size:       msg.Uint(),
			Offset:     msg.Uint(),
			Stride:     msg.Uint(),
			PlaneIndex: msg.Uint(),
		})
	case evtFrameReady:
		c.pending.ready = true
	case evtFrameCancel:
		c.pending.cancelled = true
		c.pending.reason = msg.Uint()
	}
}

// bind issues wl_registry.bind for a global.
func (c *Client) bind(name uint32, iface string, version uint32) (uint32, error) {
	id := c.alloc()
	payload := (&encoder{}).Uint(name).String(iface).Uint(version).Uint(id).data
	if err := c.w.writeMsg(c.registryID, reqRegistryBind, payload); err != nil {
		return 0, err
	}
	return id, nil
}

// roundtrip issues wl_display.sync and dispatches until its callback fires.
func (c *Client) roundtrip() error {
	id := c.alloc()
	if err := c.w.writeMsg(displayID, reqDisplaySync, (&encoder{}).Uint(id).data); err != nil {
		return err
	}
	c.syncs[id] = false

	deadline := time.Now().Add(roundtripTimeout)
	for !c.syncs[id] {
		err := c.dispatchOne(time.Now().Add(pollInterval))
		if err != nil && !errors.Is(err, errReadTimeout) {
			return err
		}
		if c.fatal != nil {
			return c.fatal
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for compositor roundtrip")
		}
	}
	delete(c.syncs, id)
	return nil
}

func (c *Client) isSync(object uint32) bool {
	_, ok := c.syncs[object]
	return ok
}

// alloc hands out the next client-side object id, reusing released ids.
func (c *Client) alloc() uint32 {
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		return id
	}
	c.nextID++
	return c.nextID
}

func (c *Client) release(id uint32) {
	c.free = append(c.free, id)
}

// Frame is one exported DMA-BUF frame. The frame owns its descriptors until
// Close, which destroys the compositor-side object and closes each fd exactly
// once.
type Frame struct {
	client *Client
	id     uint32
	closed bool

	Width      uint32
	Height     uint32
	Format     uint32
	Modifier   uint64
	PlaneCount uint32
	Objects    []Object
}

// Object is one plane of a frame.
type Object struct {
	FD         int
	Size       uint32
	Offset     uint32
	Stride     uint32
	PlaneIndex uint32
}

// Close destroys the frame and releases its descriptors.
func (f *Frame) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	if f.client != nil {
		err = f.client.w.writeMsg(f.id, reqFrameDestroy, nil)
	}
	for _, obj := range f.Objects {
		_ = unix.Close(obj.FD)
	}
	return err
}
