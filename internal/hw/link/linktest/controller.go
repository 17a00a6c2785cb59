// Package linktest provides an in-memory motion controller that speaks the
// rig's line protocol, for tests of the link and everything above it.
package linktest

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Controller simulates the motion controller firmware.
// Zero values are usable after NewController.
type Controller struct {
	mu sync.Mutex

	// Banner is written after each successful open.
	Banner []string
	// OpenFailures makes the next n opens fail.
	OpenFailures int
	// XMax and YMax are the encoder maxima reported by calibration.
	XMax, YMax int

	X, Y       int
	Calibrated bool
	Joystick   bool

	commands []string
	scripted map[string][][]string
	opens    int
	port     *port
}

// NewController returns a controller that announces itself with
// "Joystick off" and has not been calibrated.
func NewController() *Controller {
	return &Controller{
		Banner:   []string{"CamZilla v1.2", "Joystick off"},
		XMax:     18000,
		YMax:     9000,
		scripted: make(map[string][][]string),
	}
}

// Open implements link.Opener.
func (c *Controller) Open(device string, baud int) (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.OpenFailures > 0 {
		c.OpenFailures--
		return nil, fmt.Errorf("open %s: no such device", device)
	}
	pr, pw := io.Pipe()
	p := &port{c: c, r: pr, w: pw}
	c.port = p
	banner := append([]string(nil), c.Banner...)
	go func() {
		for _, l := range banner {
			if _, err := pw.Write([]byte(l + "\n")); err != nil {
				return
			}
		}
	}()
	return p, nil
}

// Respond scripts the answer lines for the next occurrence of cmd.
// Scripted answers replace the simulated behaviour once.
func (c *Controller) Respond(cmd string, lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted[cmd] = append(c.scripted[cmd], lines)
}

// Commands returns every command line received so far.
func (c *Controller) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// ResetCommands forgets the received command log.
func (c *Controller) ResetCommands() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = nil
}

// Opens returns the number of open attempts.
func (c *Controller) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Engage simulates the joystick being switched on at the rig.
func (c *Controller) Engage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Joystick = true
}

func (c *Controller) handle(cmd string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)

	if q := c.scripted[cmd]; len(q) > 0 {
		c.scripted[cmd] = q[1:]
		return q[0]
	}

	switch {
	case cmd == "j=on" || cmd == "j=off":
		c.Joystick = cmd == "j=on"
		return []string{cmd}
	case c.Joystick:
		return []string{"j=on"}
	case cmd == "cal":
		c.Calibrated = true
		c.X, c.Y = 0, 0
		return []string{
			fmt.Sprintf("cal=(%d,%d)", c.XMax, c.YMax),
			fmt.Sprintf("x/y=%d/%d", c.X, c.Y),
		}
	case strings.HasPrefix(cmd, "x=") || strings.HasPrefix(cmd, "y="):
		if !c.Calibrated {
			return []string{"!cal"}
		}
		v, err := strconv.Atoi(cmd[2:])
		if err != nil {
			return []string{"?"}
		}
		var xl, yl bool
		if cmd[0] == 'x' {
			c.X, xl = clamp(v, c.XMax)
		} else {
			c.Y, yl = clamp(v, c.YMax)
		}
		return []string{fmt.Sprintf("x/y=%d%s/%d%s", c.X, limit(xl), c.Y, limit(yl))}
	default:
		return []string{"?"}
	}
}

func clamp(v, max int) (int, bool) {
	if max <= 0 {
		return v, false
	}
	if v > max {
		return max, true
	}
	if v < -max {
		return -max, true
	}
	return v, false
}

func limit(reached bool) string {
	if reached {
		return "L"
	}
	return ""
}

// port is one open connection to the simulated controller.
type port struct {
	c   *Controller
	r   *io.PipeReader
	w   *io.PipeWriter
	mu  sync.Mutex
	buf []byte
}

func (p *port) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	for {
		i := strings.IndexByte(string(p.buf), '\n')
		if i < 0 {
			break
		}
		cmd := strings.TrimSpace(string(p.buf[:i]))
		p.buf = p.buf[i+1:]
		for _, ans := range p.c.handle(cmd) {
			if _, err := p.w.Write([]byte(ans + "\n")); err != nil {
				return 0, err
			}
		}
	}
	return len(b), nil
}

func (p *port) Close() error {
	err := p.w.Close()
	if rerr := p.r.Close(); err == nil && rerr != nil && !errors.Is(rerr, io.ErrClosedPipe) {
		err = rerr
	}
	return err
}
