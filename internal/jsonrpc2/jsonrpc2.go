// Package jsonrpc2 implements JSON-RPC 2.0 over a newline-delimited stream:
// every message is one JSON value on its own line. This is the framing a
// host uses to drive a sandboxed helper over its stdin and stdout.
package jsonrpc2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Error codes defined by JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MaxMessageSize bounds a single line.
const MaxMessageSize = 64 << 20

// Error is a JSON-RPC 2.0 response error.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d message: %s", e.Code, e.Message)
}

// Errorf returns an *Error with the given code.
func Errorf(code int64, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrClosed indicates that the connection is closed.
var ErrClosed = errors.New("jsonrpc2: connection is closed")

// ID is a request id, a number or a string.
type ID struct {
	Num      uint64
	Str      string
	IsString bool
}

func (id ID) String() string {
	if id.IsString {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatUint(id.Num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsString {
		return json.Marshal(id.Str)
	}
	return json.Marshal(id.Num)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{Num: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("request id must be a number or string: %w", err)
	}
	*id = ID{Str: s, IsString: true}
	return nil
}

// Request is an incoming request or notification.
type Request struct {
	Method string
	Params json.RawMessage
	ID     ID
	// Notif is set for notifications, which carry no id and get no reply.
	Notif bool
}

// UnmarshalParams decodes the request params into v. A decoding failure is
// reported as an invalid-params error.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return Errorf(CodeInvalidParams, "%s: missing params", r.Method)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return Errorf(CodeInvalidParams, "%s: %v", r.Method, err)
	}
	return nil
}

// message is the union of every wire shape: requests, notifications and
// responses are told apart by which fields are present.
type message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *ID              `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Handler handles incoming requests.
type Handler interface {
	Handle(ctx context.Context, conn *Conn, req *Request)
}

// HandlerFunc adapts a function returning (result, error) to Handler. The
// Conn replies with the result, or with the error; errors other than *Error
// are reported as internal errors.
type HandlerFunc func(ctx context.Context, conn *Conn, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, conn *Conn, req *Request) {
	result, err := f(ctx, conn, req)
	if req.Notif {
		return
	}
	if err != nil {
		_ = conn.replyError(req.ID, err)
		return
	}
	raw, err := marshal(result)
	if err != nil {
		_ = conn.replyError(req.ID, err)
		return
	}
	_ = conn.write(&message{JSONRPC: "2.0", ID: &req.ID, Result: &raw})
}

// Conn is a bidirectional JSON-RPC 2.0 connection.
type Conn struct {
	r    *bufio.Reader
	wc   io.WriteCloser
	h    Handler
	wmu  sync.Mutex // guards writes
	mu   sync.Mutex
	seq  uint64
	pend map[uint64]chan *message
	done chan struct{}
	once sync.Once
}

// NewConn starts reading messages from rwc in a background goroutine,
// dispatching requests to h one at a time in arrival order.
func NewConn(ctx context.Context, rwc io.ReadWriteCloser, h Handler) *Conn {
	c := &Conn{
		r:    bufio.NewReaderSize(rwc, 64<<10),
		wc:   rwc,
		h:    h,
		pend: make(map[uint64]chan *message),
		done: make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.wc.Close()
}

// DisconnectNotify returns a channel that is closed when the connection is
// closed by either end.
func (c *Conn) DisconnectNotify() <-chan struct{} {
	return c.done
}

// Call sends a request and waits for its response, decoding the result
// into result if it is not nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := marshal(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	id := c.seq
	c.seq++
	ch := make(chan *message, 1)
	c.pend[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pend, id)
		c.mu.Unlock()
	}

	reqID := ID{Num: id}
	if err := c.write(&message{JSONRPC: "2.0", ID: &reqID, Method: method, Params: raw}); err != nil {
		forget()
		return err
	}

	select {
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(*resp.Result, result)
		}
		return nil
	}
}

// Notify sends a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshal(params)
	if err != nil {
		return err
	}
	return c.write(&message{JSONRPC: "2.0", Method: method, Params: raw})
}

func (c *Conn) replyError(id ID, err error) error {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return c.write(&message{JSONRPC: "2.0", ID: &id, Error: rpcErr})
}

// errorReply is a response to a message whose id could not be read. The
// id is always present and null.
type errorReply struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *ID    `json:"id"`
	Error   *Error `json:"error"`
}

// write sends v as one line.
func (c *Conn) write(v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.wc.Write(data)
	return err
}

// marshal encodes v without escaping <, > and &, which formulas are full of.
func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.mu.Lock()
		for id, ch := range c.pend {
			close(ch)
			delete(c.pend, id)
		}
		c.mu.Unlock()
	}()

	for {
		line, err := readLine(c.r)
		if err != nil {
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			_ = c.write(&errorReply{JSONRPC: "2.0", Error: Errorf(CodeParseError, "%v", err)})
			continue
		}

		switch {
		case msg.Method != "":
			req := &Request{Method: msg.Method, Params: msg.Params, Notif: msg.ID == nil}
			if msg.ID != nil {
				req.ID = *msg.ID
			}
			c.h.Handle(ctx, c, req)
		case msg.ID != nil && !msg.ID.IsString:
			c.mu.Lock()
			ch := c.pend[msg.ID.Num]
			delete(c.pend, msg.ID.Num)
			c.mu.Unlock()
			if ch != nil {
				ch <- &msg
			}
		}
		// Anything else is a response to a call this side never made.
	}
}

// readLine reads one newline-terminated message. A final line without a
// newline is returned as is.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxMessageSize {
			return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
