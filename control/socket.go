package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Message types recognized on the instance control socket.
const (
	MsgPID uint32 = 1
)

// MessageHandler handles one IPC message type and writes its reply (if any)
// to the connection.
type MessageHandler func(conn net.Conn, payload []byte) error

// Server is a per-instance Unix-domain control socket: `(type: u32,
// length: u32, payload: length bytes)` framing over a stream socket.
type Server struct {
	listener *net.UnixListener
	path     string
	handlers map[uint32]MessageHandler
}

// socketPath builds <dir>/<name>.sock.
func socketPath(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Listen binds a stream Unix socket at <dir>/<name>.sock. Creating a VM
// whose socket already exists is fatal.
func Listen(dir, name string) (*Server, error) {
	path := socketPath(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("instance socket %s already exists", path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	s := &Server{
		listener: l,
		path:     path,
		handlers: make(map[uint32]MessageHandler),
	}
	s.Handle(MsgPID, handlePID)
	return s, nil
}

// Handle registers a handler for a message type, overriding the built-in
// PID handler if re-registered for MsgPID.
func (s *Server) Handle(msgType uint32, h MessageHandler) {
	s.handlers[msgType] = h
}

// Serve accepts and dispatches connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var header [8]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		msgType := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		h, ok := s.handlers[msgType]
		if !ok {
			continue
		}
		if err := h(conn, payload); err != nil {
			return
		}
	}
}

func handlePID(conn net.Conn, _ []byte) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(os.Getpid()))
	_, err := conn.Write(buf[:])
	return err
}

// Close unlinks the instance socket.
func (s *Server) Close() error {
	err := s.listener.Close()
	os.Remove(s.path)
	return err
}

// EnumerateCallback is invoked once per discovered instance with its name
// and a connected client fd (as a net.Conn). Returning an error aborts the
// remainder of the scan.
type EnumerateCallback func(name string, conn net.Conn) error

// EnumerateInstances scans the control directory for `*.sock` entries,
// strips the suffix, and invokes cb with the name and a connected client
// connection. A socket it cannot connect to is silently skipped; a
// callback error aborts the scan. The asymmetry is deliberate.
func EnumerateInstances(dir string, cb EnumerateCallback) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read control directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sock") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".sock")
		conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: filepath.Join(dir, e.Name()), Net: "unix"})
		if err != nil {
			continue
		}
		if err := cb(name, conn); err != nil {
			conn.Close()
			return err
		}
		conn.Close()
	}
	return nil
}
