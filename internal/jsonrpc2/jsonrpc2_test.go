package jsonrpc2_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/nalgeon/be"
	"github.com/stefanvanburen/dropcond/internal/jsonrpc2"
)

func echo(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "echo":
		var v any
		if err := req.UnmarshalParams(&v); err != nil {
			return nil, err
		}
		return v, nil
	case "fail":
		return nil, errors.New("boom")
	}
	return nil, jsonrpc2.Errorf(jsonrpc2.CodeMethodNotFound, "no %s", req.Method)
}

// pipe serves echo on one end of a pipe and returns the other end.
func pipe(t *testing.T) net.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		_ = serverConn.Close()
		_ = clientConn.Close()
	})
	jsonrpc2.NewConn(t.Context(), serverConn, jsonrpc2.HandlerFunc(echo))
	return clientConn
}

func TestCall(t *testing.T) {
	t.Parallel()

	raw := pipe(t)
	client := jsonrpc2.NewConn(t.Context(), raw, jsonrpc2.HandlerFunc(echo))

	var got map[string]any
	be.Err(t, client.Call(t.Context(), "echo", map[string]any{"text": "a < b"}, &got), nil)
	be.Equal(t, got, map[string]any{"text": "a < b"})

	err := client.Call(t.Context(), "fail", nil, nil)
	var rpcErr *jsonrpc2.Error
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeInternalError))
	be.Equal(t, rpcErr.Message, "boom")

	err = client.Call(t.Context(), "missing", nil, nil)
	be.True(t, errors.As(err, &rpcErr))
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeMethodNotFound))
}

func TestLineFraming(t *testing.T) {
	t.Parallel()

	raw := pipe(t)
	r := bufio.NewReader(raw)

	write := func(s string) {
		t.Helper()
		_, err := io.WriteString(raw, s)
		be.Err(t, err, nil)
	}
	read := func() map[string]json.RawMessage {
		t.Helper()
		line, err := r.ReadBytes('\n')
		be.Err(t, err, nil)
		var msg map[string]json.RawMessage
		be.Err(t, json.Unmarshal(line, &msg), nil)
		return msg
	}

	write(`{"jsonrpc":"2.0","id":"a","method":"echo","params":[1,"<x>"]}` + "\n")
	msg := read()
	be.Equal(t, string(msg["id"]), `"a"`)
	be.Equal(t, string(msg["result"]), `[1,"<x>"]`)

	// Blank lines are ignored; malformed lines get a parse error.
	write("\n{oops\n")
	msg = read()
	be.Equal(t, string(msg["id"]), "null")
	var rpcErr jsonrpc2.Error
	be.Err(t, json.Unmarshal(msg["error"], &rpcErr), nil)
	be.Equal(t, rpcErr.Code, int64(jsonrpc2.CodeParseError))

	// Notifications get no reply; the next reply belongs to id 7.
	write(`{"jsonrpc":"2.0","method":"echo","params":1}` + "\n")
	write(`{"jsonrpc":"2.0","id":7,"method":"echo","params":2}` + "\n")
	msg = read()
	be.Equal(t, string(msg["id"]), "7")
	be.Equal(t, string(msg["result"]), "2")
}

func TestCallAfterClose(t *testing.T) {
	t.Parallel()

	raw := pipe(t)
	client := jsonrpc2.NewConn(t.Context(), raw, jsonrpc2.HandlerFunc(echo))
	be.Err(t, client.Close(), nil)
	<-client.DisconnectNotify()

	err := client.Call(t.Context(), "echo", 1, nil)
	be.True(t, err != nil)
}

func TestIDString(t *testing.T) {
	t.Parallel()
	be.Equal(t, jsonrpc2.ID{Num: 3}.String(), "3")
	be.Equal(t, jsonrpc2.ID{Str: "x", IsString: true}.String(), `"x"`)
}
