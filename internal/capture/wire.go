package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// headerSize is the fixed Wayland message header: object id, then size and
// opcode packed into one word.
const headerSize = 8

// errReadTimeout signals that no complete message arrived before the read
// deadline; callers poll so cancellation stays responsive.
var errReadTimeout = errors.New("wayland read timed out")

// message is a single decoded Wayland event.
type message struct {
	Object uint32
	Opcode uint16
	data   []byte
	off    int
}

// Uint consumes the next 32-bit unsigned argument.
func (m *message) Uint() uint32 {
	v := binary.LittleEndian.Uint32(m.data[m.off:])
	m.off += 4
	return v
}

// String consumes the next string argument (length-prefixed, NUL-terminated,
// padded to 32 bits).
func (m *message) String() string {
	length := int(m.Uint())
	if length == 0 {
		return ""
	}
	s := string(m.data[m.off : m.off+length-1])
	m.off += (length + 3) &^ 3
	return s
}

// encoder builds request payloads.
type encoder struct {
	data []byte
}

func (e *encoder) Uint(v uint32) *encoder {
	e.data = binary.LittleEndian.AppendUint32(e.data, v)
	return e
}

func (e *encoder) Int(v int32) *encoder {
	return e.Uint(uint32(v))
}

func (e *encoder) String(s string) *encoder {
	e.Uint(uint32(len(s) + 1))
	e.data = append(e.data, s...)
	e.data = append(e.data, 0)
	for len(e.data)%4 != 0 {
		e.data = append(e.data, 0)
	}
	return e
}

// wire is the byte- and fd-level connection to the compositor. Incoming bytes
// and SCM_RIGHTS descriptors are buffered until a full message is available.
type wire struct {
	conn *net.UnixConn
	buf  []byte
	fds  []int
}

// dialWire connects to the compositor socket named by WAYLAND_DISPLAY under
// XDG_RUNTIME_DIR.
func dialWire() (*wire, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}

	path := display
	if display[0] != '/' {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			return nil, fmt.Errorf("XDG_RUNTIME_DIR is not set")
		}
		path = runtimeDir + "/" + display
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to display %s: %w", path, err)
	}
	return &wire{conn: conn}, nil
}

// writeMsg sends one request.
func (w *wire) writeMsg(object uint32, opcode uint16, payload []byte) error {
	msg := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:], object)
	binary.LittleEndian.PutUint32(msg[4:], uint32(len(payload)+headerSize)<<16|uint32(opcode))
	msg = append(msg, payload...)

	if _, err := w.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write wayland request: %w", err)
	}
	return nil
}

// readMsg returns the next complete message, reading from the socket until
// one is buffered or the deadline passes.
func (w *wire) readMsg(deadline time.Time) (*message, error) {
	for {
		if msg := w.popMsg(); msg != nil {
			return msg, nil
		}
		if err := w.fill(deadline); err != nil {
			return nil, err
		}
	}
}

// popMsg slices one message off the buffer if fully received.
func (w *wire) popMsg() *message {
	if len(w.buf) < headerSize {
		return nil
	}
	word := binary.LittleEndian.Uint32(w.buf[4:])
	size := int(word >> 16)
	if size < headerSize || len(w.buf) < size {
		return nil
	}

	msg := &message{
		Object: binary.LittleEndian.Uint32(w.buf[0:]),
		Opcode: uint16(word & 0xffff),
		data:   append([]byte(nil), w.buf[headerSize:size]...),
	}
	w.buf = w.buf[size:]
	return msg
}

// fill performs one socket read, appending data and any passed descriptors.
func (w *wire) fill(deadline time.Time) error {
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	oob := make([]byte, 256)
	n, oobn, _, _, err := w.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return errReadTimeout
		}
		return fmt.Errorf("failed to read from compositor: %w", err)
	}

	w.buf = append(w.buf, buf[:n]...)

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("failed to parse control message: %w", err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			w.fds = append(w.fds, fds...)
		}
	}
	return nil
}

// takeFD pops the oldest received descriptor; fd arguments are consumed in
// event order.
func (w *wire) takeFD() (int, error) {
	if len(w.fds) == 0 {
		return -1, fmt.Errorf("no file descriptor received with event")
	}
	fd := w.fds[0]
	w.fds = w.fds[1:]
	return fd, nil
}

// close shuts the socket down and closes any descriptors never claimed.
func (w *wire) close() error {
	for _, fd := range w.fds {
		_ = unix.Close(fd)
	}
	w.fds = nil
	return w.conn.Close()
}
