// Package sandbox exposes the dropdown engine to a host process as a
// JSON-RPC 2.0 service over newline-delimited stdin/stdout.
//
// The main entry-point is the Serve() function.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/stefanvanburen/dropcond/internal/dropdown"
	"github.com/stefanvanburen/dropcond/internal/entity"
	"github.com/stefanvanburen/dropcond/internal/formula"
	"github.com/stefanvanburen/dropcond/internal/jsonrpc2"
	"github.com/stefanvanburen/dropcond/internal/rename"
)

// CodeFormulaSyntax is the error code for a formula that does not parse.
const CodeFormulaSyntax = -32001

// Serve runs the service on stdin/stdout until the host disconnects or
// sends exit.
func Serve(ctx context.Context, engine *dropdown.Engine, logger *slog.Logger) error {
	return ServeStream(ctx, stdinout{}, engine, logger)
}

// stdinout wraps stdin/stdout into a ReadWriteCloser.
type stdinout struct{}

func (stdinout) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdinout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdinout) Close() error                { return os.Stdout.Close() }

// ServeStream runs the service over rwc.
func ServeStream(ctx context.Context, rwc io.ReadWriteCloser, engine *dropdown.Engine, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &server{engine: engine, logger: logger}
	conn := jsonrpc2.NewConn(ctx, rwc, jsonrpc2.HandlerFunc(s.handle))
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		_ = conn.Close()
	}
	return nil
}

type server struct {
	engine *dropdown.Engine
	logger *slog.Logger
}

func (s *server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	s.logger.Debug("request", "method", req.Method, "id", req.ID.String())
	switch req.Method {
	case "renameDropdownConditions":
		return s.renameDropdownConditions(req)
	case "parseDropdownConditions":
		return s.parseDropdownConditions(req)
	case "collectEntities":
		return s.collectEntities(req)
	case "shutdown":
		return nil, nil
	case "exit":
		return nil, conn.Close()
	default:
		return nil, jsonrpc2.Errorf(jsonrpc2.CodeMethodNotFound, "method not supported: %s", req.Method)
	}
}

// RenameParam renames TableID.ColID to NewColID.
type RenameParam struct {
	TableID  string `json:"tableId"`
	ColID    string `json:"colId"`
	NewColID string `json:"newColId"`
}

// RenameParams are the params of renameDropdownConditions.
type RenameParams struct {
	Columns []dropdown.Column `json:"columns"`
	Renames []RenameParam     `json:"renames"`
}

// RenameResult is the result of renameDropdownConditions. Errors lists
// columns whose rewrite was refused; their updates are absent.
type RenameResult struct {
	dropdown.Result
	Errors []string `json:"errors,omitempty"`
}

func (s *server) renameDropdownConditions(req *jsonrpc2.Request) (any, error) {
	var params RenameParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	renames := make(rename.Map, len(params.Renames))
	for _, r := range params.Renames {
		if r.TableID == "" || r.ColID == "" || r.NewColID == "" {
			return nil, jsonrpc2.Errorf(jsonrpc2.CodeInvalidParams, "incomplete rename %+v", r)
		}
		if _, dup := renames.Lookup(r.TableID, r.ColID); dup {
			return nil, jsonrpc2.Errorf(jsonrpc2.CodeInvalidParams, "duplicate rename of %s.%s", r.TableID, r.ColID)
		}
		renames.Add(r.TableID, r.ColID, r.NewColID)
	}

	res, err := s.engine.Rename(params.Columns, renames)
	out := RenameResult{Result: res}
	if out.Updates == nil {
		out.Updates = []dropdown.Update{}
	}
	for _, e := range unjoin(err) {
		out.Errors = append(out.Errors, e.Error())
	}
	return out, nil
}

// ParseParams are the params of parseDropdownConditions.
type ParseParams struct {
	WidgetOptions []string `json:"widgetOptions"`
}

// ParseResult is the result of parseDropdownConditions.
type ParseResult struct {
	WidgetOptions []string `json:"widgetOptions"`
	Errors        []string `json:"errors,omitempty"`
}

func (s *server) parseDropdownConditions(req *jsonrpc2.Request) (any, error) {
	var params ParseParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	out, err := s.engine.ParseConditions(params.WidgetOptions)
	res := ParseResult{WidgetOptions: out}
	for _, e := range unjoin(err) {
		res.Errors = append(res.Errors, e.Error())
	}
	return res, nil
}

// EntitiesParams are the params of collectEntities.
type EntitiesParams struct {
	Text string `json:"text"`
}

// EntitiesResult is the result of collectEntities.
type EntitiesResult struct {
	Entities []entity.NamedEntity `json:"entities"`
}

func (s *server) collectEntities(req *jsonrpc2.Request) (any, error) {
	var params EntitiesParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	entities, err := s.engine.Entities(params.Text)
	if err != nil {
		var perr *formula.ParseError
		if errors.As(err, &perr) {
			return nil, &jsonrpc2.Error{Code: CodeFormulaSyntax, Message: perr.Error()}
		}
		return nil, fmt.Errorf("collect entities: %w", err)
	}
	if entities == nil {
		entities = []entity.NamedEntity{}
	}
	return EntitiesResult{Entities: entities}, nil
}

// unjoin splits an errors.Join result back into its parts.
func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
