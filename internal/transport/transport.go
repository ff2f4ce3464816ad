package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the controller firmware's UART setup.
	DefaultBaudRate = 115200
	// DefaultTimeout bounds the wait for an acknowledgement frame.
	DefaultTimeout = 1500 * time.Millisecond

	// readPoll is how long a single blocking read may sit on the port
	// before the deadline is rechecked.
	readPoll = 10 * time.Millisecond
)

// Transport failure taxonomy. Read/write failures that are neither
// timeouts nor malformed frames wrap the underlying I/O error.
var (
	ErrTimeout  = errors.New("timeout waiting for acknowledgement")
	ErrProtocol = errors.New("malformed response frame")
)

// ConnectError reports a port that could not be opened.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("open port %s: %v", e.Port, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// Session is one serial exchange channel to a controller. Exactly one
// command may be outstanding at a time; concurrent Send calls on the
// same session are serialized.
type Session struct {
	mu      sync.Mutex
	rw      io.ReadWriteCloser
	name    string
	timeout time.Duration
}

// Open opens the named serial port at the controller baud rate. The
// input buffer is drained so a boot banner from a freshly reset board
// cannot be mistaken for an acknowledgement.
func Open(portName string, timeout time.Duration) (*Session, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: DefaultBaudRate})
	if err != nil {
		return nil, &ConnectError{Port: portName, Err: err}
	}
	if err := port.SetReadTimeout(readPoll); err != nil {
		_ = port.Close()
		return nil, &ConnectError{Port: portName, Err: err}
	}
	_ = port.ResetInputBuffer()
	return NewSession(port, portName, timeout), nil
}

// NewSession wraps an already-open port. Reads on rw must not block
// longer than roughly readPoll so the send deadline stays honest.
func NewSession(rw io.ReadWriteCloser, name string, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{rw: rw, name: name, timeout: timeout}
}

// Name returns the port name the session is bound to.
func (s *Session) Name() string { return s.name }

// Send writes one request frame and waits up to the session timeout for
// the acknowledgement. There are no retries here; retry policy belongs
// to the caller.
func (s *Session) Send(req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := encodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := s.rw.Write([]byte(line + "\n")); err != nil {
		return Response{}, fmt.Errorf("%s: write %s: %w", s.name, req.Op, err)
	}

	ack, err := s.readLine()
	if err != nil {
		return Response{}, fmt.Errorf("%s: %s: %w", s.name, req.Op, err)
	}
	resp, err := decodeResponse(ack)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %s: %w", s.name, req.Op, err)
	}
	return resp, nil
}

// readLine accumulates bytes until a newline or the deadline. A read
// returning zero bytes (the port's poll timeout) is not an error until
// the overall deadline passes.
func (s *Session) readLine() (string, error) {
	deadline := time.Now().Add(s.timeout)
	buf := make([]byte, 0, 64)
	tmp := make([]byte, 64)
	for {
		n, err := s.rw.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if i := bytes.IndexByte(buf, '\n'); i >= 0 {
				return string(bytes.TrimRight(buf[:i], "\r")), nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read: %w", err)
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}
		if n == 0 {
			// Port returned without data; avoid a hot loop on fakes
			// that do not block.
			time.Sleep(time.Millisecond)
		}
	}
}

// Close releases the underlying port.
func (s *Session) Close() error {
	return s.rw.Close()
}
