// Package utils provides utility functions for the runtime.
package utils

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// SyncPipe is a pipe used for parent-child synchronization.
type SyncPipe struct {
	parent *os.File
	child  *os.File
}

// NewSyncPipe creates a new synchronization pipe.
func NewSyncPipe() (*SyncPipe, error) {
	fds := make([]int, 2)
	if err := syscall.Pipe(fds); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &SyncPipe{
		parent: os.NewFile(uintptr(fds[0]), "syncpipe-parent"),
		child:  os.NewFile(uintptr(fds[1]), "syncpipe-child"),
	}, nil
}

// ParentFile returns the parent (reading) end of the pipe.
func (s *SyncPipe) ParentFile() *os.File {
	return s.parent
}

// ChildFile returns the child (writing) end of the pipe.
func (s *SyncPipe) ChildFile() *os.File {
	return s.child
}

// CloseParent closes the parent end of the pipe.
func (s *SyncPipe) CloseParent() error {
	if s.parent != nil {
		return s.parent.Close()
	}
	return nil
}

// CloseChild closes the child end of the pipe.
func (s *SyncPipe) CloseChild() error {
	if s.child != nil {
		return s.child.Close()
	}
	return nil
}

// Close closes both ends of the pipe.
func (s *SyncPipe) Close() {
	s.CloseParent()
	s.CloseChild()
}

// Wait waits for a signal on the parent end (blocking read).
func (s *SyncPipe) Wait() error {
	buf := make([]byte, 1)
	_, err := s.parent.Read(buf)
	return err
}

// Signal sends a signal on the child end.
func (s *SyncPipe) Signal() error {
	_, err := s.child.Write([]byte{0})
	return err
}

// WaitWithError waits and returns any error message.
func (s *SyncPipe) WaitWithError() error {
	buf := make([]byte, 1024)
	n, err := s.parent.Read(buf)
	if err != nil {
		return err
	}
	if n > 0 && buf[0] != 0 {
		return fmt.Errorf("%s", string(buf[:n]))
	}
	return nil
}

// SignalError sends an error message.
func (s *SyncPipe) SignalError(err error) error {
	_, writeErr := s.child.Write([]byte(err.Error()))
	return writeErr
}

// Fifo provides FIFO-based synchronization.
type Fifo struct {
	path string
}

// NewFifo creates a new FIFO at the given path.
func NewFifo(path string) (*Fifo, error) {
	// Remove existing FIFO if present
	os.Remove(path)

	if err := syscall.Mkfifo(path, 0600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}

	return &Fifo{path: path}, nil
}

// OpenFifo opens an existing FIFO.
func OpenFifo(path string) *Fifo {
	return &Fifo{path: path}
}

// Path returns the path to the FIFO.
func (f *Fifo) Path() string {
	return f.path
}

// Wait opens the FIFO for reading and waits for a signal.
func (f *Fifo) Wait() error {
	file, err := os.OpenFile(f.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open fifo: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 1)
	_, err = file.Read(buf)
	return err
}

// Signal opens the FIFO for writing and sends a signal.
func (f *Fifo) Signal() error {
	file, err := os.OpenFile(f.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open fifo: %w", err)
	}
	defer file.Close()

	_, err = file.Write([]byte{0})
	return err
}

// Remove removes the FIFO.
func (f *Fifo) Remove() error {
	return os.Remove(f.path)
}

// MsgType identifies a Process Pipeline message (spec §4.6). Values are
// stable across stages since both ends of a Channel are always this binary.
type MsgType uint32

const (
	MsgIntermediateReady MsgType = iota + 1
	MsgWriteMappingRequest
	MsgMappingWritten
	MsgInitReady
	MsgSeccompNotify
	MsgSeccompNotifyDone
	MsgExecFailed
)

// Channel is a typed, length-prefixed message channel over one end of a
// unix socketpair, connecting two stages of the bootstrap pipeline
// (CHAN_A between Main/Intermediate, CHAN_B between Intermediate/Init).
// Wire format: 4-byte big-endian MsgType, 4-byte big-endian payload length,
// payload bytes.
type Channel struct {
	f *os.File
}

// NewChannelPair creates a connected socketpair and wraps both ends as
// Channels. The second return value is meant to be passed to a child
// process (e.g. via exec.Cmd.ExtraFiles) and re-wrapped there with
// NewChannelFromFile.
func NewChannelPair() (local *Channel, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	local = &Channel{f: os.NewFile(uintptr(fds[0]), "channel-local")}
	remote = os.NewFile(uintptr(fds[1]), "channel-remote")
	return local, remote, nil
}

// NewChannelFromFD wraps an already-open file descriptor (typically
// inherited at a fixed ExtraFiles index) as a Channel.
func NewChannelFromFD(fd uintptr, name string) *Channel {
	return &Channel{f: os.NewFile(fd, name)}
}

// File returns the underlying file, for passing to exec.Cmd.ExtraFiles.
func (c *Channel) File() *os.File {
	return c.f
}

// Close closes the channel's end of the socketpair.
func (c *Channel) Close() error {
	return c.f.Close()
}

// Send writes one typed, length-prefixed message.
func (c *Channel) Send(t MsgType, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(t))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := c.f.Write(header); err != nil {
		return fmt.Errorf("channel send header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.f.Write(payload); err != nil {
			return fmt.Errorf("channel send payload: %w", err)
		}
	}
	return nil
}

// Recv blocks for one typed message. io.EOF is returned verbatim so callers
// can distinguish a peer closing its end (stage exited) from a real error.
func (c *Channel) Recv() (MsgType, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.f, header); err != nil {
		return 0, nil, err
	}
	t := MsgType(binary.BigEndian.Uint32(header[0:4]))
	n := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.f, payload); err != nil {
			return 0, nil, fmt.Errorf("channel recv payload: %w", err)
		}
	}
	return t, payload, nil
}

// SendFD sends a single typed message whose payload carries no data, with
// one open file descriptor attached via SCM_RIGHTS. Used for the seccomp
// listener-fd handoff (spec §4.5/§6).
func (c *Channel) SendFD(t MsgType, fd int) error {
	rights := unix.UnixRights(fd)
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(t))
	binary.BigEndian.PutUint32(header[4:8], 0)
	return unix.Sendmsg(int(c.f.Fd()), header, rights, nil, 0)
}

// RecvFD blocks for one message carrying an attached file descriptor.
func (c *Channel) RecvFD() (MsgType, int, error) {
	buf := make([]byte, 8)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(c.f.Fd()), buf, oob, 0)
	if err != nil {
		return 0, -1, err
	}
	if n < 8 {
		return 0, -1, fmt.Errorf("channel recvfd: short header")
	}
	t := MsgType(binary.BigEndian.Uint32(buf[0:4]))
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, -1, fmt.Errorf("parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return t, fds[0], nil
		}
	}
	return t, -1, fmt.Errorf("channel recvfd: no fd in control message")
}

// RecvAny blocks for one message like Recv, but also collects a file
// descriptor if the sender attached one via SendFD instead of Send. The
// returned fd is -1 when the message carried none. Use this at a pipeline
// step where either a plain Send or a SendFD is a valid next message (the
// seccomp notify handoff, where whether a listener fd travels over the
// channel depends on whether an external listenerPath is configured) -
// Recv would silently lose an attached fd it didn't ask the kernel for.
func (c *Channel) RecvAny() (MsgType, []byte, int, error) {
	header := make([]byte, 8)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(c.f.Fd()), header, oob, 0)
	if err != nil {
		return 0, nil, -1, err
	}
	if n == 0 {
		return 0, nil, -1, io.EOF
	}
	if n < 8 {
		return 0, nil, -1, fmt.Errorf("channel recv: short header")
	}
	t := MsgType(binary.BigEndian.Uint32(header[0:4]))
	plen := binary.BigEndian.Uint32(header[4:8])

	fd := -1
	if oobn > 0 {
		if cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
			for _, cmsg := range cmsgs {
				if fds, err := unix.ParseUnixRights(&cmsg); err == nil && len(fds) > 0 {
					fd = fds[0]
					break
				}
			}
		}
	}

	var payload []byte
	if plen > 0 {
		payload = make([]byte, plen)
		if _, err := io.ReadFull(c.f, payload); err != nil {
			return 0, nil, fd, fmt.Errorf("channel recv payload: %w", err)
		}
	}
	return t, payload, fd, nil
}

// SendFDToSocket connects to the unix socket at path and hands off fd via
// SCM_RIGHTS, with metadata as the accompanying message payload. This is
// the OCI seccomp listenerPath mechanism (spec §4.5): an external agent
// accepts the connection and receives the notify listener fd directly,
// independent of the bootstrap pipeline's own Channel plumbing.
func SendFDToSocket(path string, fd int, metadata []byte) error {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(sock)

	if err := unix.Connect(sock, &unix.SockaddrUnix{Name: path}); err != nil {
		return fmt.Errorf("connect %s: %w", path, err)
	}
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(sock, metadata, rights, nil, 0); err != nil {
		return fmt.Errorf("sendmsg %s: %w", path, err)
	}
	return nil
}
