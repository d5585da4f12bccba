// Package saned implements a client for the saned network scanning daemon.
package saned

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"scanlink/logging"
	"scanlink/sane"
)

// maxAuthAttempts bounds how often one call may be answered with an
// authorization request.
const maxAuthAttempts = 3

var errNotConnected = errors.New("saned: not connected")

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("saned", format, args...)
}

// Options configures a Client.
type Options struct {
	Address  string // host or host:port, port defaults to 6566
	Username string
	Password string
	Timeout  time.Duration
}

// Client speaks the saned control protocol over one TCP connection and opens
// a data connection per started acquisition. Calls are serialized.
type Client struct {
	mu      sync.Mutex
	opts    Options
	address string
	conn    net.Conn
	r       *bufio.Reader
	handles map[int32]*handle
}

type handle struct {
	options []*sane.RawOption // nil until fetched

	data      net.Conn
	remaining uint32 // bytes left in the current record
	swap      bool   // swap 16-bit samples to host order
	carry     byte
	hasCarry  bool
	final     error // end status held back while a carried byte is returned
}

// NewClient creates a client. No connection is made until Connect.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		opts:    opts,
		address: withDefaultPort(opts.Address),
		handles: make(map[int32]*handle),
	}
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(DefaultPort))
}

// Address returns the control connection address.
func (c *Client) Address() string {
	return c.address
}

// IsConnected reports whether the control connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the daemon and performs INIT. It returns the version the
// daemon reports.
func (c *Client) Connect(ctx context.Context) (sane.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.closeLocked()
	}

	logging.DebugConnect("saned", c.address)
	dialer := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		logging.DebugConnectError("saned", c.address, err)
		return sane.Version{}, fmt.Errorf("saned: connect %s: %w", c.address, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)

	var status, code int32
	err = c.call(ctx, procInit, func(e *encoder) {
		e.word(protocolVersion.Code())
		e.string(c.opts.Username)
	}, func(d *decoder) string {
		status = d.word()
		code = d.word()
		return ""
	})
	if err != nil {
		c.closeLocked()
		return sane.Version{}, err
	}
	if s := sane.Status(status); s != sane.StatusGood {
		c.closeLocked()
		return sane.Version{}, fmt.Errorf("saned: init: %w", s)
	}

	v := sane.VersionFromCode(code)
	logging.DebugConnectSuccess("saned", c.address, "version "+v.String())
	return v, nil
}

// Disconnect sends EXIT and closes every connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	c.call(context.Background(), procExit, nil, nil)
	c.closeLocked()
}

// Drop closes every connection without sending EXIT, for use after the
// transport has failed.
func (c *Client) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	for _, h := range c.handles {
		h.closeData()
	}
	c.handles = make(map[int32]*handle)
	if c.conn != nil {
		c.conn.Close()
		logging.DebugDisconnect("saned", c.address, "closed")
	}
	c.conn = nil
	c.r = nil
}

// arm applies the call timeout and ties the connection deadline to ctx.
func (c *Client) arm(ctx context.Context, conn net.Conn) func() {
	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

// call sends one request and decodes its reply. reply returns the resource
// named in the reply, if any; a non-empty resource triggers AUTHORIZE and the
// reply is decoded again. A nil reply means the procedure has none.
// Must hold c.mu.
func (c *Client) call(ctx context.Context, proc int32, req func(e *encoder), reply func(d *decoder) string) error {
	if c.conn == nil {
		return errNotConnected
	}
	conn := c.conn
	defer c.arm(ctx, conn)()

	e := &encoder{}
	e.word(proc)
	if req != nil {
		req(e)
	}
	logging.DebugTX("saned", e.bytes())
	if _, err := conn.Write(e.bytes()); err != nil {
		c.closeLocked()
		return fmt.Errorf("saned: %s: %w", procNames[proc], err)
	}
	if reply == nil {
		return nil
	}

	for attempt := 0; ; attempt++ {
		var rec bytes.Buffer
		d := &decoder{r: io.TeeReader(c.r, &rec)}
		resource := reply(d)
		logging.DebugRX("saned", rec.Bytes())
		if d.err != nil {
			c.closeLocked()
			if ctx.Err() != nil {
				return fmt.Errorf("saned: %s: %w", procNames[proc], ctx.Err())
			}
			return fmt.Errorf("saned: %s: %w", procNames[proc], d.err)
		}
		if resource == "" {
			return nil
		}
		if attempt >= maxAuthAttempts {
			return fmt.Errorf("saned: %s: %w", procNames[proc], sane.StatusAccessDenied)
		}
		if err := c.authorize(resource); err != nil {
			return err
		}
	}
}

// authorize answers an authorization request for resource.
func (c *Client) authorize(resource string) error {
	debugLog("AUTHORIZE %s as %q", resource, c.opts.Username)
	res, password := authPassword(resource, c.opts.Password)

	e := &encoder{}
	e.word(procAuthorize)
	e.string(res)
	e.string(c.opts.Username)
	e.string(password)
	if _, err := c.conn.Write(e.bytes()); err != nil {
		c.closeLocked()
		return fmt.Errorf("saned: AUTHORIZE: %w", err)
	}
	d := &decoder{r: c.r}
	d.word()
	if d.err != nil {
		c.closeLocked()
		return fmt.Errorf("saned: AUTHORIZE: %w", d.err)
	}
	return nil
}

// authPassword applies the salted MD5 scheme when the resource carries a salt.
func authPassword(resource, password string) (string, string) {
	i := strings.Index(resource, "$MD5$")
	if i < 0 {
		return resource, password
	}
	salt := resource[i+len("$MD5$"):]
	sum := md5.Sum([]byte(salt + password))
	return resource[:i], "$MD5$" + hex.EncodeToString(sum[:])
}

// Devices lists the devices the daemon exports.
func (c *Client) Devices(ctx context.Context) ([]sane.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var status int32
	var devs []sane.Device
	err := c.call(ctx, procGetDevices, nil, func(d *decoder) string {
		devs = devs[:0]
		status = d.word()
		n := d.arrayLen()
		for i := 0; i < n && d.err == nil; i++ {
			if dev := decodeDevice(d); dev != nil {
				devs = append(devs, *dev)
			}
		}
		return ""
	})
	if err != nil {
		return nil, err
	}
	if s := sane.Status(status); s != sane.StatusGood {
		return nil, fmt.Errorf("saned: get devices: %w", s)
	}
	return devs, nil
}

// Open opens a remote device and returns its handle.
func (c *Client) Open(ctx context.Context, name string) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var status, h int32
	err := c.call(ctx, procOpen, func(e *encoder) {
		e.string(name)
	}, func(d *decoder) string {
		status = d.word()
		h = d.word()
		return d.str()
	})
	if err != nil {
		return 0, err
	}
	if s := sane.Status(status); s != sane.StatusGood {
		return 0, fmt.Errorf("saned: open %q: %w", name, s)
	}
	c.handles[h] = &handle{}
	debugLog("opened %q handle=%d", name, h)
	return h, nil
}

// CloseHandle closes a remote device.
func (c *Client) CloseHandle(ctx context.Context, h int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.handles[h]; ok {
		st.closeData()
		delete(c.handles, h)
	}
	return c.call(ctx, procClose, func(e *encoder) {
		e.word(h)
	}, func(d *decoder) string {
		d.word()
		return ""
	})
}

func (c *Client) handle(h int32) (*handle, error) {
	st, ok := c.handles[h]
	if !ok {
		return nil, fmt.Errorf("saned: unknown handle %d: %w", h, sane.StatusInval)
	}
	return st, nil
}

// fetchOptions refreshes the descriptor cache of a handle. Must hold c.mu.
func (c *Client) fetchOptions(ctx context.Context, h int32, st *handle) error {
	var opts []*sane.RawOption
	err := c.call(ctx, procGetOptionDescriptors, func(e *encoder) {
		e.word(h)
	}, func(d *decoder) string {
		n := d.arrayLen()
		opts = make([]*sane.RawOption, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			opts = append(opts, decodeOptionDescriptor(d))
		}
		return ""
	})
	if err != nil {
		return err
	}
	st.options = opts
	debugLog("handle %d: %d option descriptors", h, len(opts))
	return nil
}

// Option returns the descriptor at index, or nil past the last option.
func (c *Client) Option(ctx context.Context, h int32, index int) (*sane.RawOption, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.handle(h)
	if err != nil {
		return nil, err
	}
	if st.options == nil {
		if err := c.fetchOptions(ctx, h, st); err != nil {
			return nil, err
		}
	}
	if index < 0 || index >= len(st.options) {
		return nil, nil
	}
	return st.options[index], nil
}

// Control performs a CONTROL_OPTION call. For get and set, value must hold
// the option's full size; on success it receives the value the daemon
// reports back.
func (c *Client) Control(ctx context.Context, h int32, index int, action sane.Action, value []byte) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.handle(h)
	if err != nil {
		return 0, err
	}
	if st.options == nil {
		if err := c.fetchOptions(ctx, h, st); err != nil {
			return 0, err
		}
	}
	if index < 0 || index >= len(st.options) || st.options[index] == nil {
		return 0, fmt.Errorf("saned: no option %d: %w", index, sane.StatusInval)
	}
	desc := st.options[index]

	typ := desc.Type
	var payload []byte
	if action != sane.ActionSetAuto && typ.HasValue() {
		payload = make([]byte, desc.Size)
		copy(payload, value)
	}

	var status, info int32
	out := make([]byte, len(payload))
	err = c.call(ctx, procControlOption, func(e *encoder) {
		e.word(h)
		e.word(int32(index))
		e.word(int32(action))
		e.word(int32(typ))
		e.word(int32(len(payload)))
		encodeValue(e, typ, payload)
	}, func(d *decoder) string {
		status = d.word()
		info = d.word()
		rtyp := sane.ValueType(d.word())
		d.word() // value size
		decodeValue(d, rtyp, out)
		return d.str()
	})
	if err != nil {
		return 0, err
	}
	if s := sane.Status(status); s != sane.StatusGood {
		return 0, fmt.Errorf("saned: control option %d: %w", index, s)
	}
	if action != sane.ActionSetAuto {
		copy(value, out)
	}
	if info&sane.InfoReloadOptions != 0 {
		st.options = nil
	}
	return info, nil
}

// Parameters returns the current scan parameters.
func (c *Client) Parameters(ctx context.Context, h int32) (sane.Parameters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parametersLocked(ctx, h)
}

func (c *Client) parametersLocked(ctx context.Context, h int32) (sane.Parameters, error) {
	var status int32
	var p sane.Parameters
	err := c.call(ctx, procGetParameters, func(e *encoder) {
		e.word(h)
	}, func(d *decoder) string {
		status = d.word()
		p.Format = sane.Frame(d.word())
		p.LastFrame = d.bool()
		p.BytesPerLine = int(d.word())
		p.PixelsPerLine = int(d.word())
		p.Lines = int(d.word())
		p.Depth = int(d.word())
		return ""
	})
	if err != nil {
		return sane.Parameters{}, err
	}
	if s := sane.Status(status); s != sane.StatusGood {
		return sane.Parameters{}, fmt.Errorf("saned: get parameters: %w", s)
	}
	return p, nil
}

// Start starts an acquisition and opens its data connection.
func (c *Client) Start(ctx context.Context, h int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.handle(h)
	if err != nil {
		return err
	}

	var status, port, order int32
	err = c.call(ctx, procStart, func(e *encoder) {
		e.word(h)
	}, func(d *decoder) string {
		status = d.word()
		port = d.word()
		order = d.word()
		return d.str()
	})
	if err != nil {
		return err
	}
	if s := sane.Status(status); s != sane.StatusGood {
		return fmt.Errorf("saned: start: %w", s)
	}

	host, _, _ := net.SplitHostPort(c.address)
	dataAddr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	logging.DebugConnect("saned/data", dataAddr)
	dialer := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", dataAddr)
	if err != nil {
		logging.DebugConnectError("saned/data", dataAddr, err)
		return fmt.Errorf("saned: data connection: %w", err)
	}

	st.closeData()
	st.data = conn
	st.remaining = 0
	st.hasCarry = false
	st.swap = false

	if p, err := c.parametersLocked(ctx, h); err == nil && p.Depth == 16 {
		st.swap = (order == byteOrderLittle) != hostLittleEndian()
	}
	debugLog("handle %d: started, data on %s, byte order %#x, swap=%v", h, dataAddr, order, st.swap)
	return nil
}

func hostLittleEndian() bool {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], byteOrderLittle)
	return b[0] == 0x34
}

// Read reads image data into buf. It returns an error carrying the final
// status (normally EOF) once the daemon ends the frame.
func (c *Client) Read(ctx context.Context, h int32, buf []byte) (int, error) {
	c.mu.Lock()
	st, err := c.handle(h)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if st.final != nil {
		err := st.final
		st.final = nil
		return 0, err
	}
	if st.data == nil {
		return 0, fmt.Errorf("saned: read without start: %w", sane.StatusInval)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	defer c.arm(ctx, st.data)()

	for st.remaining == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(st.data, hdr[:]); err != nil {
			st.closeData()
			return 0, fmt.Errorf("saned: data record: %w", err)
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length == endOfData {
			var sb [1]byte
			_, err := io.ReadFull(st.data, sb[:])
			carry, hasCarry := st.carry, st.hasCarry
			st.closeData()
			if err != nil {
				return 0, fmt.Errorf("saned: data status: %w", err)
			}
			s := sane.Status(sb[0])
			if s == sane.StatusGood {
				s = sane.StatusEOF
			}
			logging.DebugLog("saned/data", "end of frame: %s", s)
			if hasCarry {
				// odd trailing byte of a swapped frame
				buf[0] = carry
				st.final = s
				return 1, nil
			}
			return 0, s
		}
		st.remaining = length
	}

	off := 0
	if st.hasCarry {
		buf[0] = st.carry
		st.hasCarry = false
		off = 1
	}
	want := len(buf) - off
	if uint32(want) > st.remaining {
		want = int(st.remaining)
	}
	n, err := st.data.Read(buf[off : off+want])
	st.remaining -= uint32(n)
	total := off + n
	if err != nil && n == 0 {
		st.closeData()
		return 0, fmt.Errorf("saned: data: %w", err)
	}

	if st.swap {
		if total%2 == 1 {
			st.carry = buf[total-1]
			st.hasCarry = true
			total--
		}
		for i := 0; i+1 < total; i += 2 {
			buf[i], buf[i+1] = buf[i+1], buf[i]
		}
	}
	return total, nil
}

// Cancel cancels the current acquisition of a handle.
func (c *Client) Cancel(ctx context.Context, h int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.handles[h]; ok {
		st.closeData()
	}
	return c.call(ctx, procCancel, func(e *encoder) {
		e.word(h)
	}, func(d *decoder) string {
		d.word()
		return ""
	})
}

func (st *handle) closeData() {
	if st.data != nil {
		st.data.Close()
		st.data = nil
	}
	st.remaining = 0
	st.hasCarry = false
	st.final = nil
}
