// Package imsg implements the framed message channel used between the smtpfd
// processes. A channel is one end of a unix stream socket pair; every message
// carries a fixed header, an optional payload and at most one passed file
// descriptor.
package imsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 16
	// MaxSize bounds a whole message, header included.
	MaxSize = 16384
	// MaxPayload is the largest payload a single message can carry.
	MaxPayload = MaxSize - HeaderSize

	flagHasFD = 1 << 0
)

var (
	// ErrClosed is returned by Read once the peer has closed its end.
	ErrClosed = errors.New("imsg: channel closed")
	// ErrTooLarge is returned by Compose for payloads above MaxPayload.
	ErrTooLarge = errors.New("imsg: message too large")
	// ErrBadHeader is returned by Read when the stream is out of sync.
	ErrBadHeader = errors.New("imsg: malformed header")
)

// Header is the fixed part of every message.
type Header struct {
	Type   Type
	Len    uint16 // header + payload
	Flags  uint16
	PeerID uint32
	Pid    uint32
}

func (h Header) put(b []byte) {
	binary.NativeEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.NativeEndian.PutUint16(b[4:6], h.Len)
	binary.NativeEndian.PutUint16(b[6:8], h.Flags)
	binary.NativeEndian.PutUint32(b[8:12], h.PeerID)
	binary.NativeEndian.PutUint32(b[12:16], h.Pid)
}

func parseHeader(b []byte) Header {
	return Header{
		Type:   Type(binary.NativeEndian.Uint32(b[0:4])),
		Len:    binary.NativeEndian.Uint16(b[4:6]),
		Flags:  binary.NativeEndian.Uint16(b[6:8]),
		PeerID: binary.NativeEndian.Uint32(b[8:12]),
		Pid:    binary.NativeEndian.Uint32(b[12:16]),
	}
}

// Msg is one decoded message. File is non-nil when the sender passed a
// descriptor; the receiver owns it.
type Msg struct {
	Header
	Data []byte
	File *os.File
}

// Int decodes a payload written by PutInt.
func (m Msg) Int() (int, error) {
	if len(m.Data) != 4 {
		return 0, fmt.Errorf("imsg: %s: payload is %d bytes, want 4", m.Type, len(m.Data))
	}
	return int(int32(binary.NativeEndian.Uint32(m.Data))), nil
}

// PutInt encodes n as a message payload.
func PutInt(n int) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, uint32(int32(n)))
	return b
}

// Event is delivered by Channel.Events for every inbound message, and once
// more with Closed set when the channel reaches end of stream or fails.
type Event struct {
	Msg    Msg
	Closed bool
	Err    error
}

// Channel is a duplex, descriptor-capable message transport. Compose may be
// called from several goroutines; Read must have a single caller.
type Channel struct {
	conn *net.UnixConn

	wmu sync.Mutex

	buf     []byte
	scratch []byte
	oob     []byte

	// fds holds received descriptors not yet matched to a message. The
	// reader appends and takes; Close releases whatever is left.
	fmu       sync.Mutex
	fds       []*os.File
	fdsClosed bool

	once   sync.Once
	events chan Event
	done   chan struct{}
	closed sync.Once
}

// Pair creates a connected socket pair. Both ends are close-on-exec; a
// descriptor handed to a child through exec.Cmd.ExtraFiles is inherited
// regardless.
func Pair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "imsg"), os.NewFile(uintptr(fds[1]), "imsg"), nil
}

// New wraps one end of a socket pair. f is consumed.
func New(f *os.File) (*Channel, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("imsg: %s: %w", f.Name(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("imsg: %s is not a unix socket", f.Name())
	}
	return &Channel{
		conn:    uc,
		scratch: make([]byte, MaxSize),
		oob:     make([]byte, unix.CmsgSpace(4*16)),
		done:    make(chan struct{}),
	}, nil
}

// Compose sends one message. fd, if non-nil, is passed to the peer and
// closed locally whether or not the send succeeds: ownership moves with the
// message.
func (c *Channel) Compose(t Type, peerID, pid uint32, fd *os.File, data []byte) error {
	if fd != nil {
		defer fd.Close()
	}
	if len(data) > MaxPayload {
		return fmt.Errorf("%w: %s with %d bytes", ErrTooLarge, t, len(data))
	}

	h := Header{Type: t, Len: uint16(HeaderSize + len(data)), PeerID: peerID, Pid: pid}
	var oob []byte
	if fd != nil {
		h.Flags |= flagHasFD
		oob = unix.UnixRights(int(fd.Fd()))
	}
	buf := make([]byte, h.Len)
	h.put(buf)
	copy(buf[HeaderSize:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, _, err := c.conn.WriteMsgUnix(buf, oob, nil)
	if err == nil && n < len(buf) {
		_, err = c.conn.Write(buf[n:])
	}
	if err != nil {
		return fmt.Errorf("imsg: compose %s: %w", t, err)
	}
	return nil
}

// Read blocks until one complete message is available.
func (c *Channel) Read() (Msg, error) {
	for {
		m, ok, err := c.next()
		if err != nil || ok {
			return m, err
		}
		if err := c.fill(); err != nil {
			return Msg{}, err
		}
	}
}

func (c *Channel) next() (Msg, bool, error) {
	if len(c.buf) < HeaderSize {
		return Msg{}, false, nil
	}
	h := parseHeader(c.buf)
	if h.Len < HeaderSize || int(h.Len) > MaxSize {
		return Msg{}, false, fmt.Errorf("%w: length %d", ErrBadHeader, h.Len)
	}
	if len(c.buf) < int(h.Len) {
		return Msg{}, false, nil
	}

	m := Msg{Header: h}
	if h.Len > HeaderSize {
		m.Data = append([]byte(nil), c.buf[HeaderSize:h.Len]...)
	}
	if h.Flags&flagHasFD != 0 {
		c.fmu.Lock()
		if len(c.fds) > 0 {
			m.File = c.fds[0]
			c.fds = c.fds[1:]
		}
		c.fmu.Unlock()
	}
	c.buf = c.buf[h.Len:]
	return m, true, nil
}

func (c *Channel) fill() error {
	n, oobn, _, _, err := c.conn.ReadMsgUnix(c.scratch, c.oob)
	if oobn > 0 {
		if perr := c.collectRights(c.oob[:oobn]); perr != nil && err == nil {
			err = perr
		}
	}
	if n > 0 {
		c.buf = append(c.buf, c.scratch[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return fmt.Errorf("imsg: read: %w", err)
	}
	if n == 0 && oobn == 0 {
		return ErrClosed
	}
	return nil
}

func (c *Channel) collectRights(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("imsg: control message: %w", err)
	}
	c.fmu.Lock()
	defer c.fmu.Unlock()
	for i := range scms {
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if c.fdsClosed {
				unix.Close(fd)
				continue
			}
			unix.CloseOnExec(fd)
			c.fds = append(c.fds, os.NewFile(uintptr(fd), "imsg-fd-"+strconv.Itoa(fd)))
		}
	}
	return nil
}

// Events starts a reader goroutine on first call and returns the channel it
// delivers to. The final event has Closed set. Events and Read must not be
// mixed on one Channel.
func (c *Channel) Events() <-chan Event {
	c.once.Do(func() {
		c.events = make(chan Event, 1)
		go c.pump()
	})
	return c.events
}

func (c *Channel) pump() {
	for {
		m, err := c.Read()
		if err != nil {
			ev := Event{Closed: true}
			if !errors.Is(err, ErrClosed) {
				ev.Err = err
			}
			select {
			case c.events <- ev:
			case <-c.done:
			}
			return
		}
		select {
		case c.events <- Event{Msg: m}:
		case <-c.done:
			if m.File != nil {
				m.File.Close()
			}
			return
		}
	}
}

// Close shuts the channel down. The peer observes end of stream.
func (c *Channel) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		err = c.conn.Close()

		c.fmu.Lock()
		for _, f := range c.fds {
			f.Close()
		}
		c.fds = nil
		c.fdsClosed = true
		c.fmu.Unlock()
	})
	return err
}
