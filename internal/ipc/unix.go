package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// ChildFD is the descriptor number a spawned worker finds its end of
	// the socket pair on (the first entry of exec.Cmd.ExtraFiles).
	ChildFD = 3

	// MaxFrameSize caps the payload of a single frame.
	MaxFrameSize = 16 << 20

	headerSize    = 4
	readChunk     = 64 << 10
	maxFDsPerRead = 16
)

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("ipc: frame too large")

	// ErrUnsupported is returned when a handoff carries a connection that
	// has no file descriptor to pass.
	ErrUnsupported = errors.New("ipc: unsupported connection")
)

// UnixChannel is a Channel over a stream unix socket.
//
// Frames are a 4-byte big-endian payload length followed by the JSON
// envelope from Encode. A connection frame carries the connection's file
// descriptor as SCM_RIGHTS data attached to the frame's first byte, so
// descriptors arrive no later than the frame that refers to them and are
// consumed in order.
type UnixChannel struct {
	conn *net.UnixConn

	wmu sync.Mutex

	rmu sync.Mutex
	buf []byte
	fds []int

	closeOnce sync.Once
}

// NewUnixChannel wraps an established unix socket connection.
func NewUnixChannel(conn *net.UnixConn) *UnixChannel {
	return &UnixChannel{conn: conn}
}

// NewSocketPair creates a connected socket pair. The returned channel is
// the parent's end; the file is the child's end, meant for
// exec.Cmd.ExtraFiles. The caller closes the file once the child started.
func NewSocketPair() (*UnixChannel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: %w", os.NewSyscallError("socketpair", err))
	}
	parent := os.NewFile(uintptr(fds[0]), "ipc-parent")
	child := os.NewFile(uintptr(fds[1]), "ipc-child")

	ch, err := FileChannel(parent)
	_ = parent.Close()
	if err != nil {
		_ = child.Close()
		return nil, nil, err
	}
	return ch, child, nil
}

// FileChannel builds a channel from a socket file, typically
// os.NewFile(ChildFD, ...) inside a worker. The descriptor is duplicated;
// the caller still owns f.
func FileChannel(f *os.File) (*UnixChannel, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc: file conn: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %T is not a unix socket", ErrUnsupported, c)
	}
	return NewUnixChannel(uc), nil
}

// Send writes msg as one frame. For a ConnectionHandoff the connection's
// descriptor travels with the frame and the local connection is closed
// after a successful send.
func (c *UnixChannel) Send(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	h, ok := msg.(ConnectionHandoff)
	if !ok {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if _, err := c.conn.Write(frame); err != nil {
			return c.writeErr(err)
		}
		return nil
	}

	sc, ok := h.Conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("%w: %T has no file descriptor", ErrUnsupported, h.Conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("ipc: handoff: %w", err)
	}

	var sendErr error
	c.wmu.Lock()
	ctrlErr := raw.Control(func(fd uintptr) {
		sendErr = c.writeWithRights(frame, unix.UnixRights(int(fd)))
	})
	c.wmu.Unlock()
	if ctrlErr != nil {
		return fmt.Errorf("ipc: handoff: %w", ctrlErr)
	}
	if sendErr != nil {
		return c.writeErr(sendErr)
	}

	_ = h.Conn.Close()
	return nil
}

func (c *UnixChannel) writeWithRights(frame, oob []byte) error {
	n, _, err := c.conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return err
	}
	if n < len(frame) {
		_, err = c.conn.Write(frame[n:])
	}
	return err
}

func (c *UnixChannel) writeErr(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) {
		return ErrClosed
	}
	return fmt.Errorf("ipc: write: %w", err)
}

// Receive returns the next message. It returns io.EOF once the peer closed
// its end or Close was called.
func (c *UnixChannel) Receive() (Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		payload, ok, err := c.nextFrame()
		if err != nil {
			return nil, err
		}
		if ok {
			return c.decode(payload)
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

func (c *UnixChannel) decode(payload []byte) (Message, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	h, ok := msg.(ConnectionHandoff)
	if !ok {
		return msg, nil
	}
	conn, err := c.takeConn()
	if err != nil {
		return nil, err
	}
	h.Conn = conn
	return h, nil
}

func (c *UnixChannel) nextFrame() ([]byte, bool, error) {
	if len(c.buf) < headerSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(c.buf)
	if n > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	end := headerSize + int(n)
	if len(c.buf) < end {
		return nil, false, nil
	}
	payload := c.buf[headerSize:end]
	c.buf = c.buf[end:]
	return payload, true, nil
}

func (c *UnixChannel) fill() error {
	data := make([]byte, readChunk)
	oob := make([]byte, unix.CmsgSpace(4*maxFDsPerRead))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(data, oob)
	if oobn > 0 {
		if perr := c.collectRights(oob[:oobn]); perr != nil {
			return perr
		}
	}
	if n > 0 {
		c.buf = append(c.buf, data[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return io.EOF
		}
		return fmt.Errorf("ipc: read: %w", err)
	}
	if n == 0 && oobn == 0 {
		return io.EOF
	}
	return nil
}

func (c *UnixChannel) collectRights(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("ipc: parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

func (c *UnixChannel) takeConn() (net.Conn, error) {
	if len(c.fds) == 0 {
		return nil, fmt.Errorf("%w: connection frame without descriptor", ErrMalformed)
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]

	f := os.NewFile(uintptr(fd), "handoff")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("ipc: handoff conn: %w", err)
	}
	return conn, nil
}

// Close shuts the socket down and releases descriptors that were received
// but never claimed.
func (c *UnixChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()

		c.rmu.Lock()
		for _, fd := range c.fds {
			_ = unix.Close(fd)
		}
		c.fds = nil
		c.rmu.Unlock()
	})
	return err
}
