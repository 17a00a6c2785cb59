// Package link provides framed line I/O to the motion controller over a
// serial port. Exactly one write/read exchange may be in flight at a time.
package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	serial "go.bug.st/serial"

	"github.com/cjeanneret/camzilla/internal/debug"
)

var (
	// ErrClosed is returned by reads pending when the link is torn down,
	// and by any exchange attempted on a closed link.
	ErrClosed = errors.New("link closed")
	// ErrTimeout is returned when a read timeout is configured and elapses.
	ErrTimeout = errors.New("read timeout")
)

// Opener opens the underlying port. The default uses go.bug.st/serial.
type Opener func(device string, baud int) (io.ReadWriteCloser, error)

// SerialOpener opens a real serial port.
func SerialOpener(device string, baud int) (io.ReadWriteCloser, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial %s: %w", device, err)
	}
	return p, nil
}

// Config holds the link parameters.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration // 0 blocks until a line arrives or the link closes
}

// Conn is the view of the link handed to an exchange. It is only valid
// inside the Exchange callback.
type Conn interface {
	WriteLine(line string) error
	ReadLine() (string, error)
}

// Link is the serial link to the motion controller.
type Link struct {
	cfg  Config
	open Opener

	// xmu serializes exchanges; every command path holds it while talking.
	xmu sync.Mutex

	mu   sync.Mutex
	port io.ReadWriteCloser
	sess *session
}

// session is the reader state of one open port.
type session struct {
	lines chan string
	done  chan struct{}
	err   error // set before lines is closed
}

// New returns a closed link. opener may be nil to use the serial port.
func New(cfg Config, opener Opener) *Link {
	if opener == nil {
		opener = SerialOpener
	}
	return &Link{cfg: cfg, open: opener}
}

// Open performs exactly one connection attempt. Opening an open link is a no-op.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		return nil
	}
	p, err := l.open(l.cfg.Device, l.cfg.Baud)
	if err != nil {
		return err
	}
	l.port = p
	l.sess = &session{lines: make(chan string, 16), done: make(chan struct{})}
	go l.sess.readLoop(p)
	debug.Verbose("link: opened %s (%d baud)", l.cfg.Device, l.cfg.Baud)
	return nil
}

// IsOpen reports whether the port is open.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Close tears the link down. Pending reads fail with ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	close(l.sess.done)
	err := l.port.Close()
	l.port = nil
	l.sess = nil
	debug.Verbose("link: closed %s", l.cfg.Device)
	return err
}

func (s *session) readLoop(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.done:
			s.err = ErrClosed
			return
		}
	}
	s.err = sc.Err()
	if s.err == nil {
		s.err = io.EOF
	}
}

// Exchange runs fn while holding the exchange lock.
func (l *Link) Exchange(fn func(c Conn) error) error {
	l.xmu.Lock()
	defer l.xmu.Unlock()
	return fn(conn{l})
}

// Send writes one command line and reads one answer line.
func (l *Link) Send(cmd string) (string, error) {
	var ans string
	err := l.Exchange(func(c Conn) error {
		if err := c.WriteLine(cmd); err != nil {
			return err
		}
		var err error
		ans, err = c.ReadLine()
		return err
	})
	return ans, err
}

// ReadLine reads one line while holding the exchange lock.
func (l *Link) ReadLine() (string, error) {
	var line string
	err := l.Exchange(func(c Conn) error {
		var err error
		line, err = c.ReadLine()
		return err
	})
	return line, err
}

type conn struct{ l *Link }

func (c conn) WriteLine(line string) error {
	c.l.mu.Lock()
	p := c.l.port
	c.l.mu.Unlock()
	if p == nil {
		return ErrClosed
	}
	debug.Serial(">", line)
	if _, err := p.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

func (c conn) ReadLine() (string, error) {
	c.l.mu.Lock()
	s := c.l.sess
	c.l.mu.Unlock()
	if s == nil {
		return "", ErrClosed
	}

	var timeout <-chan time.Time
	if c.l.cfg.ReadTimeout > 0 {
		t := time.NewTimer(c.l.cfg.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case line, ok := <-s.lines:
		if !ok {
			if s.err == io.EOF || errors.Is(s.err, ErrClosed) {
				return "", ErrClosed
			}
			return "", fmt.Errorf("read: %w", s.err)
		}
		debug.Serial("<", line)
		return line, nil
	case <-s.done:
		return "", ErrClosed
	case <-timeout:
		return "", ErrTimeout
	}
}
