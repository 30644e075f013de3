package wayland

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	pkgerrors "github.com/pkg/errors"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/sys/unix"
)

// ObjectID identifies a protocol object on the connection.
type ObjectID uint32

const headerSize = 8

const (
	maxMessageSize = 4096
	maxFDsPerRead  = 28
)

var order = binary.NativeEndian

// Message is a single protocol message (a request or an event).
type Message struct {
	Object  ObjectID
	Opcode  uint16
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("object %d opcode %d (%d bytes)", m.Object, m.Opcode, len(m.Payload))
}

// Args returns a reader of the message arguments.
func (m Message) Args() *ArgReader {
	return &ArgReader{data: m.Payload}
}

// ArgReader decodes the arguments of a message in order. The first
// decoding error sticks and is returned by Err.
type ArgReader struct {
	data []byte
	err  error
}

func (r *ArgReader) Err() error {
	return r.err
}

func (r *ArgReader) Uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.data) < 4 {
		r.err = pkgerrors.Errorf("message is too short: %d bytes left, need 4", len(r.data))
		return 0
	}
	v := order.Uint32(r.data)
	r.data = r.data[4:]
	return v
}

func (r *ArgReader) Int32() int32 {
	return int32(r.Uint32())
}

func (r *ArgReader) Object() ObjectID {
	return ObjectID(r.Uint32())
}

func (r *ArgReader) Array() []byte {
	size := int(r.Uint32())
	if r.err != nil {
		return nil
	}
	padded := pad(size)
	if len(r.data) < padded {
		r.err = pkgerrors.Errorf("message is too short: %d bytes left, need %d", len(r.data), padded)
		return nil
	}
	v := r.data[:size]
	r.data = r.data[padded:]
	return v
}

func (r *ArgReader) String() string {
	b := r.Array()
	if len(b) == 0 {
		return ""
	}
	if b[len(b)-1] != 0 {
		r.err = pkgerrors.New("string is not NUL-terminated")
		return ""
	}
	return string(b[:len(b)-1])
}

func pad(size int) int {
	return (size + 3) &^ 3
}

// Request is a message under construction.
type Request struct {
	buf []byte
	fds []int
}

func NewRequest(object ObjectID, opcode uint16) *Request {
	r := &Request{buf: make([]byte, headerSize, 64)}
	order.PutUint32(r.buf[0:], uint32(object))
	order.PutUint32(r.buf[4:], uint32(opcode))
	return r
}

func (r *Request) Uint32(v uint32) *Request {
	r.buf = order.AppendUint32(r.buf, v)
	return r
}

func (r *Request) Int32(v int32) *Request {
	return r.Uint32(uint32(v))
}

func (r *Request) Object(id ObjectID) *Request {
	return r.Uint32(uint32(id))
}

func (r *Request) Array(b []byte) *Request {
	r.buf = order.AppendUint32(r.buf, uint32(len(b)))
	r.buf = append(r.buf, b...)
	for len(r.buf)%4 != 0 {
		r.buf = append(r.buf, 0)
	}
	return r
}

func (r *Request) String(s string) *Request {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return r.Array(b)
}

// FD attaches a file descriptor; it is sent out of band.
func (r *Request) FD(fd int) *Request {
	r.fds = append(r.fds, fd)
	return r
}

func (r *Request) Bytes() []byte {
	order.PutUint32(r.buf[4:], uint32(len(r.buf))<<16|order.Uint32(r.buf[4:])&0xffff)
	return r.buf
}

// Conn is a Wayland wire connection over a unix socket.
type Conn struct {
	sock        *net.UnixConn
	writeLocker xsync.Mutex
	readBuf     []byte
	pending     []byte
	oob         []byte
}

// SocketPath returns the compositor socket from the environment.
func SocketPath() (string, error) {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	if display[0] == '/' {
		return display, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set")
	}
	return runtimeDir + "/" + display, nil
}

func Dial(ctx context.Context) (*Conn, error) {
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	logger.Debugf(ctx, "connecting to the compositor at '%s'", path)
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to '%s': %w", path, err)
	}
	return NewConn(c.(*net.UnixConn)), nil
}

func NewConn(sock *net.UnixConn) *Conn {
	return &Conn{
		sock:    sock,
		readBuf: make([]byte, maxMessageSize*4),
		oob:     make([]byte, unix.CmsgSpace(maxFDsPerRead*4)),
	}
}

func (c *Conn) Close() error {
	return c.sock.Close()
}

func (c *Conn) Send(ctx context.Context, r *Request) error {
	b := r.Bytes()
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &c.writeLocker, func() error {
		var oob []byte
		if len(r.fds) > 0 {
			oob = unix.UnixRights(r.fds...)
		}
		n, oobn, err := c.sock.WriteMsgUnix(b, oob, nil)
		if err != nil {
			return pkgerrors.Wrap(err, "unable to write the message")
		}
		if n != len(b) || oobn != len(oob) {
			return pkgerrors.Errorf("short write: %d/%d bytes, %d/%d oob bytes", n, len(b), oobn, len(oob))
		}
		return nil
	})
}

// Receive reads whatever is available within timeout and returns the
// complete messages. File descriptors received from the compositor are
// not used by this client and get closed.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) ([]Message, error) {
	if err := c.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, pkgerrors.Wrap(err, "unable to set the read deadline")
	}
	n, oobn, _, _, err := c.sock.ReadMsgUnix(c.readBuf, c.oob)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(err, "unable to read from the compositor socket")
	}
	if n == 0 {
		return nil, pkgerrors.New("the compositor closed the connection")
	}
	if oobn > 0 {
		c.closeFDs(ctx, c.oob[:oobn])
	}
	c.pending = append(c.pending, c.readBuf[:n]...)
	return c.parse()
}

func (c *Conn) closeFDs(ctx context.Context, oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		logger.Warnf(ctx, "unable to parse the control message: %v", err)
		return
	}
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			logger.Debugf(ctx, "closing an unexpected file descriptor %d", fd)
			unix.Close(fd)
		}
	}
}

func (c *Conn) parse() ([]Message, error) {
	var msgs []Message
	for len(c.pending) >= headerSize {
		object := order.Uint32(c.pending[0:])
		sizeOpcode := order.Uint32(c.pending[4:])
		size := int(sizeOpcode >> 16)
		if size < headerSize || size%4 != 0 {
			return msgs, pkgerrors.Errorf("invalid message size %d", size)
		}
		if len(c.pending) < size {
			break
		}
		payload := make([]byte, size-headerSize)
		copy(payload, c.pending[headerSize:size])
		msgs = append(msgs, Message{
			Object:  ObjectID(object),
			Opcode:  uint16(sizeOpcode & 0xffff),
			Payload: payload,
		})
		c.pending = c.pending[size:]
	}
	if len(c.pending) == 0 {
		c.pending = c.pending[:0:0]
	}
	return msgs, nil
}
