// Package ipconn is a client for the remote-call bridge of the nanofilm LabVIEW applications.
//
// A connection holds two TCP sockets to the application: DEFAULT carries regular calls and
// INTERRUPT is used to abort a call in progress. Requests are length-prefixed Latin-1 strings;
// replies are Python literals of the form (status, source, data).
package ipconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
)

const (
	socketDefault   = "DEFAULT"
	socketInterrupt = "INTERRUPT"
)

var (
	// ErrClosed is returned for calls on a closed socket.
	ErrClosed = errors.New("ipconn: connection closed")
	// ErrProtocol reports a malformed reply.
	ErrProtocol = errors.New("ipconn: protocol error")
)

// RemoteError is an error raised by the application; Source describes where.
type RemoteError struct {
	Source string
}

func (e *RemoteError) Error() string {
	return "ipconn: remote error: " + e.Source
}

// Conn is a connection to a nanofilm application. It is safe for concurrent use;
// calls are serialised.
type Conn struct {
	addr string
	opts *options

	mu        sync.Mutex
	sockets   map[string]net.Conn
	methods   []string
	instances map[string]*Instance
}

// Dial connects both sockets to address and fetches the list of remote methods.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, applyOpt := range opts {
		applyOpt(o)
	}

	c := &Conn{
		addr:      address,
		opts:      o,
		sockets:   map[string]net.Conn{},
		instances: map[string]*Instance{},
	}

	c.mu.Lock()
	for _, id := range []string{socketDefault, socketInterrupt} {
		if err := c.connectLocked(ctx, id); err != nil {
			c.disconnectLocked(socketDefault)
			c.disconnectLocked(socketInterrupt)
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	v, err := c.Call(ctx, "__init__")
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ipconn: list methods: %w", err)
	}
	methods, err := stringList(v)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ipconn: list methods: %w", err)
	}
	c.methods = methods
	return c, nil
}

// Methods returns the remote methods announced by the application.
func (c *Conn) Methods() []string {
	return append([]string(nil), c.methods...)
}

// HasMethod reports whether the application announced name.
func (c *Conn) HasMethod(name string) bool {
	for _, m := range c.methods {
		if m == name {
			return true
		}
	}
	return false
}

// Call invokes cmd synchronously and returns the reply data.
func (c *Conn) Call(ctx context.Context, cmd string, args ...any) (any, error) {
	return c.call(ctx, socketDefault, cmd, args, true, true)
}

// CallAsync sends cmd without waiting for a reply.
func (c *Conn) CallAsync(ctx context.Context, cmd string, args ...any) error {
	_, err := c.call(ctx, socketDefault, cmd, args, true, false)
	return err
}

func (c *Conn) call(ctx context.Context, id, cmd string, args []any, header, synchronous bool) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, id, cmd, args, header, synchronous)
}

func (c *Conn) callLocked(ctx context.Context, id, cmd string, args []any, header, synchronous bool) (any, error) {
	sock := c.sockets[id]
	if sock == nil {
		return nil, ErrClosed
	}
	req, err := buildRequest(cmd, args, header, synchronous)
	if err != nil {
		return nil, err
	}

	reply, err := exchange(ctx, sock, req, synchronous)
	if err != nil {
		err = fmt.Errorf("ipconn: call %s: %w", cmd, err)
		if id == socketDefault {
			// Abort whatever the application is doing.
			c.interruptLocked(context.WithoutCancel(ctx))
		}
		// A reply may still be pending on sock, start over on a fresh one.
		c.disconnectLocked(id)
		if !isConnectionError(err) {
			if rerr := c.connectLocked(context.WithoutCancel(ctx), id); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return nil, err
	}
	if !synchronous {
		return nil, nil
	}
	return decodeReply(reply)
}

// connectLocked dials socket id and announces this client on it.
func (c *Conn) connectLocked(ctx context.Context, id string) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.dialTimeout)
	defer cancel()

	sock, err := c.opts.dial(dctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("ipconn: connect %s socket: %w", id, err)
	}

	host, port, err := net.SplitHostPort(sock.LocalAddr().String())
	if err != nil {
		host, port = sock.LocalAddr().String(), "0"
	}
	req, err := buildRequest("python@"+host+":"+port, nil, false, false)
	if err == nil {
		_, err = exchange(ctx, sock, req, false)
	}
	if err != nil {
		_ = sock.Close()
		return fmt.Errorf("ipconn: announce on %s socket: %w", id, err)
	}

	c.sockets[id] = sock
	return nil
}

func (c *Conn) disconnectLocked(id string) {
	sock := c.sockets[id]
	if sock == nil {
		return
	}
	delete(c.sockets, id)
	_ = sock.Close()
}

// interruptLocked asks the application to abort the running call. The request is bounded
// by the dial timeout and failures are ignored.
func (c *Conn) interruptLocked(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.dialTimeout)
	defer cancel()
	_, _ = c.callLocked(ctx, socketInterrupt, "__close__", nil, true, true)
}

// Close deletes the instances created through c, interrupts the application and closes
// both sockets.
func (c *Conn) Close() error {
	ctx := context.Background()

	c.mu.Lock()
	names := make([]string, 0, len(c.instances))
	for name := range c.instances {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := c.Delete(ctx, name, false); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.interruptLocked(ctx)
	c.disconnectLocked(socketDefault)
	c.disconnectLocked(socketInterrupt)
	return errors.Join(errs...)
}

func isConnectionError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

func stringList(v any) ([]string, error) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case Tuple:
		items = t
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: expected a list of names, got %T", ErrProtocol, v)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected a name, got %T", ErrProtocol, it)
		}
		out = append(out, s)
	}
	return out, nil
}

// Instance is a proxy for an object living in the application.
type Instance struct {
	Name    string
	conn    *Conn
	events  []string
	created bool
}

// New creates object name of class in the application and returns its proxy.
func (c *Conn) New(ctx context.Context, name, class string) (*Instance, error) {
	return c.newInstance(ctx, name, class, true)
}

// Attach returns a proxy for an existing application object.
func (c *Conn) Attach(ctx context.Context, name string) (*Instance, error) {
	return c.newInstance(ctx, name, "", false)
}

func (c *Conn) newInstance(ctx context.Context, name, class string, create bool) (*Instance, error) {
	inst := &Instance{Name: name, conn: c, created: create}
	if create {
		if _, err := c.Call(ctx, "_create_object", name, class); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.instances[name] = inst
	c.mu.Unlock()

	v, err := inst.call(ctx, "_get_events")
	if err != nil {
		return nil, err
	}
	var first any
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			first = t[0]
		}
	case Tuple:
		if len(t) > 0 {
			first = t[0]
		}
	}
	events, err := stringList(first)
	if err != nil {
		return nil, fmt.Errorf("ipconn: events of %s: %w", name, err)
	}
	for _, e := range events {
		if !strings.HasPrefix(e, "_") {
			inst.events = append(inst.events, e)
		}
	}
	return inst, nil
}

// Delete drops the proxy for name and, when it was created through c or force is set,
// deletes the application object.
func (c *Conn) Delete(ctx context.Context, name string, force bool) error {
	c.mu.Lock()
	inst := c.instances[name]
	c.mu.Unlock()

	if (inst != nil && inst.created) || force {
		if _, err := c.Call(ctx, "_delete_object", name); err != nil {
			return err
		}
	}

	c.mu.Lock()
	delete(c.instances, name)
	c.mu.Unlock()
	return nil
}

// Events returns the public events of the object.
func (i *Instance) Events() []string {
	return append([]string(nil), i.events...)
}

// Call fires event on the object.
func (i *Instance) Call(ctx context.Context, event string, params ...any) (any, error) {
	return i.call(ctx, event, params...)
}

func (i *Instance) call(ctx context.Context, event string, params ...any) (any, error) {
	args := append([]any{i.Name, event}, params...)
	return i.conn.Call(ctx, "_call_object", args...)
}
