package capture

import (
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// wirePair returns a wire and the raw compositor-side connection.
func wirePair(t *testing.T) (*wire, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	clientFile := os.NewFile(uintptr(fds[0]), "client")
	serverFile := os.NewFile(uintptr(fds[1]), "server")

	clientConn, err := net.FileConn(clientFile)
	require.NoError(t, err)
	serverConn, err := net.FileConn(serverFile)
	require.NoError(t, err)
	_ = clientFile.Close()
	_ = serverFile.Close()

	w := &wire{conn: clientConn.(*net.UnixConn)}
	server := serverConn.(*net.UnixConn)
	t.Cleanup(func() {
		_ = w.close()
		_ = server.Close()
	})
	return w, server
}

// rawMsg builds an encoded message for the compositor side to send.
func rawMsg(object uint32, opcode uint16, payload []byte) []byte {
	msg := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:], object)
	binary.LittleEndian.PutUint32(msg[4:], uint32(len(payload)+headerSize)<<16|uint32(opcode))
	return append(msg, payload...)
}

func TestEncoder_String(t *testing.T) {
	payload := (&encoder{}).String("wl_output").data

	// Length prefix counts the NUL terminator; the body pads to 32 bits.
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(payload))
	assert.Equal(t, 4+12, len(payload))
	assert.Equal(t, byte(0), payload[4+9])
}

func TestMessage_DecodeString(t *testing.T) {
	payload := (&encoder{}).Uint(7).String("eDP-1").Uint(42).data
	msg := &message{data: payload}

	assert.Equal(t, uint32(7), msg.Uint())
	assert.Equal(t, "eDP-1", msg.String())
	assert.Equal(t, uint32(42), msg.Uint())
}

func TestWire_ReadMsgReassemblesPartialWrites(t *testing.T) {
	w, server := wirePair(t)

	full := rawMsg(3, 2, (&encoder{}).Uint(11).Uint(22).data)

	// Deliver the message in two chunks split mid-header.
	_, err := server.Write(full[:5])
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = server.Write(full[5:])
	}()

	msg, err := w.readMsg(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), msg.Object)
	assert.Equal(t, uint16(2), msg.Opcode)
	assert.Equal(t, uint32(11), msg.Uint())
	assert.Equal(t, uint32(22), msg.Uint())
}

func TestWire_ReadMsgSplitsCoalescedWrites(t *testing.T) {
	w, server := wirePair(t)

	var batch []byte
	batch = append(batch, rawMsg(1, evtDisplayDeleteID, (&encoder{}).Uint(9).data)...)
	batch = append(batch, rawMsg(4, evtFrameReady, (&encoder{}).Uint(0).Uint(0).Uint(0).data)...)
	_, err := server.Write(batch)
	require.NoError(t, err)

	first, err := w.readMsg(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Object)

	second, err := w.readMsg(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), second.Object)
	assert.Equal(t, evtFrameReady, second.Opcode)
}

func TestWire_ReadMsgTimesOut(t *testing.T) {
	w, _ := wirePair(t)

	_, err := w.readMsg(time.Now().Add(20 * time.Millisecond))
	assert.ErrorIs(t, err, errReadTimeout)
}

func TestWire_TakeFDOrdering(t *testing.T) {
	w, server := wirePair(t)

	// Pass two pipe read ends alongside a message.
	var pipes [2][2]int
	for i := range pipes {
		require.NoError(t, unix.Pipe(pipes[i][:]))
	}
	t.Cleanup(func() {
		for _, p := range pipes {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
		}
	})

	rights := unix.UnixRights(pipes[0][0], pipes[1][0])
	_, _, err := server.WriteMsgUnix(rawMsg(5, evtFrameObject, (&encoder{}).Uint(0).Uint(4096).Uint(0).Uint(256).Uint(0).data), rights, nil)
	require.NoError(t, err)

	_, err = w.readMsg(time.Now().Add(time.Second))
	require.NoError(t, err)

	first, err := w.takeFD()
	require.NoError(t, err)
	second, err := w.takeFD()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	t.Cleanup(func() {
		_ = unix.Close(first)
		_ = unix.Close(second)
	})

	_, err = w.takeFD()
	assert.Error(t, err, "queue must be empty after both descriptors are taken")
}
