// Package busclient is the thin façade over the owserver network protocol
// (C2): it owns the single serialized TCP connection, prepends /uncached
// when asked, times every call, and feeds (ops.count_<op>, ops.ms_<op>)
// into a statistics sink. The wire protocol itself (owserver's binary
// header + path/payload framing) is the "external collaborator" the spec
// treats as assumed-available; this package is the from-scratch client
// for it, since a complete repository has to actually talk to something.
package busclient

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jangala-dev/owmaster/internal/owerr"
)

// msg types, per the owserver wire protocol (see glossary: owserver).
const (
	msgError    = 0
	msgNop      = 1
	msgRead     = 2
	msgWrite    = 3
	msgDirAll   = 7
	msgGet      = 8
)

const (
	sgPersistence = 0x00000004
	sgTempC       = 0x00000000
	maxReadSize   = 65536
)

type wireHeader struct {
	Version int32
	Payload int32
	Type    int32
	SG      int32
	Size    int32
	Offset  int32
}

// StatsSink receives timing and count statistics for every bus operation.
// Implemented by internal/master's Statistics.
type StatsSink interface {
	IncrementOp(op string, count int64, ms float64)
}

// Thresholds configures the per-op slow-call warning thresholds (§4.2).
type Thresholds struct {
	Read  time.Duration
	Write time.Duration
	Dir   time.Duration
}

func defaultThresholds() Thresholds {
	return Thresholds{Read: time.Second, Write: time.Second, Dir: 2 * time.Second}
}

// WarnFunc is called when an operation exceeds its configured threshold.
type WarnFunc func(op, path string, dur time.Duration)

// Client is the serialized owserver connection wrapper.
type Client struct {
	mu     sync.Mutex
	addr   string
	conn   net.Conn
	stats  StatsSink
	thresh Thresholds
	warn   WarnFunc
}

// New creates a Client that dials addr (host:port) lazily on first use.
func New(addr string, stats StatsSink) *Client {
	return &Client{addr: addr, stats: stats, thresh: defaultThresholds(), warn: func(string, string, time.Duration) {}}
}

func (c *Client) SetThresholds(t Thresholds)  { c.thresh = t }
func (c *Client) SetWarnFunc(f WarnFunc)      { c.warn = f }

// Dial establishes the TCP connection in a single attempt and returns the
// error if it fails; it does not retry. cmd/owmaster's dialWithRetry
// wraps it with the startup retry loop.
func (c *Client) Dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked()
}

func (c *Client) dialLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return owerr.Conn("dial", err)
	}
	c.conn = conn
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func path(p string, uncached bool) string {
	if uncached {
		return "/uncached" + ensureLeadingSlash(p)
	}
	return ensureLeadingSlash(p)
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func (c *Client) timeOp(op, p string, fn func() error) error {
	start := time.Now()
	err := fn()
	dur := time.Since(start)
	if c.stats != nil {
		c.stats.IncrementOp(op, 1, float64(dur)/float64(time.Millisecond))
	}
	var limit time.Duration
	switch op {
	case "read":
		limit = c.thresh.Read
	case "write":
		limit = c.thresh.Write
	case "dir":
		limit = c.thresh.Dir
	}
	if limit > 0 && dur > limit {
		c.warn(op, p, dur)
	}
	return err
}

// Read returns the raw string value at path.
func (c *Client) Read(p string, uncached bool) (string, error) {
	var out string
	err := c.timeOp("read", p, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		v, err := c.doLocked(msgRead, path(p, uncached), "", maxReadSize)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Write sends data to path.
func (c *Client) Write(p string, data string, uncached bool) error {
	return c.timeOp("write", p, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.doLocked(msgWrite, path(p, uncached), data, 0)
		return err
	})
}

// Dir enumerates path, returning full child paths.
func (c *Client) Dir(p string, uncached bool) ([]string, error) {
	var out []string
	err := c.timeOp("dir", p, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		v, err := c.doLocked(msgDirAll, path(p, uncached), "", maxReadSize)
		if err != nil {
			return err
		}
		if v == "" {
			return nil
		}
		out = strings.Split(v, ",")
		return nil
	})
	return out, err
}

// DirAlarm enumerates the subset of the bus currently asserting alarms.
func (c *Client) DirAlarm(uncached bool) ([]string, error) {
	return c.Dir("/alarm", uncached)
}

func (c *Client) doLocked(typ int32, p, payload string, size int32) (string, error) {
	if err := c.dialLocked(); err != nil {
		return "", err
	}
	req := wireHeader{
		Version: 0,
		Payload: int32(len(p) + 1 + len(payload)),
		Type:    typ,
		SG:      sgPersistence | sgTempC,
		Size:    size,
		Offset:  0,
	}
	if err := writeHeader(c.conn, req); err != nil {
		c.closeLocked()
		return "", owerr.Conn("write_header", err)
	}
	body := append([]byte(p), 0)
	if payload != "" {
		body = append(body, []byte(payload)...)
	}
	if _, err := c.conn.Write(body); err != nil {
		c.closeLocked()
		return "", owerr.Conn("write_body", err)
	}

	r := bufio.NewReader(c.conn)
	for {
		resp, err := readHeader(r)
		if err != nil {
			c.closeLocked()
			return "", owerr.Conn("read_header", err)
		}
		if resp.Payload < 0 {
			return "", owerr.Proto("response", fmt.Sprintf("owserver returned error (ret=%d)", resp.Payload), nil)
		}
		if resp.Payload == 0 && resp.Version == 0 {
			// ping / nop separator; keep reading.
			continue
		}
		buf := make([]byte, resp.Payload)
		if resp.Payload > 0 {
			if _, err := readFull(r, buf); err != nil {
				c.closeLocked()
				return "", owerr.Conn("read_body", err)
			}
		}
		return strings.TrimRight(string(buf), "\x00"), nil
	}
}

func writeHeader(w net.Conn, h wireHeader) error {
	var buf [24]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Version))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Payload))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.SG))
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.Size))
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.Offset))
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r *bufio.Reader) (wireHeader, error) {
	var buf [24]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return wireHeader{}, err
	}
	return wireHeader{
		Version: int32(binary.BigEndian.Uint32(buf[0:4])),
		Payload: int32(binary.BigEndian.Uint32(buf[4:8])),
		Type:    int32(binary.BigEndian.Uint32(buf[8:12])),
		SG:      int32(binary.BigEndian.Uint32(buf[12:16])),
		Size:    int32(binary.BigEndian.Uint32(buf[16:20])),
		Offset:  int32(binary.BigEndian.Uint32(buf[20:24])),
	}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
