package rpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/ehrlich-b/ccw-mcp/internal/ccwerr"
	"github.com/ehrlich-b/ccw-mcp/internal/logger"
	"github.com/ehrlich-b/ccw-mcp/internal/policy"
	"github.com/ehrlich-b/ccw-mcp/internal/promote"
	"github.com/ehrlich-b/ccw-mcp/internal/registry"
	"github.com/ehrlich-b/ccw-mcp/internal/witness"
)

// Server dispatches JSON-RPC requests read from one stream to the
// capsule/witness/policy/promote tool implementations. Dispatch is
// single-threaded: one request is in flight at a time per transport,
// matching the scheduling model a capsule's execute/changes/diff/
// witness/promote sequence depends on for a consistent mount view.
type Server struct {
	Registry *registry.Registry
	Witness  *witness.Engine
	Policy   *policy.Engine
	Promote  *promote.Engine

	writeMu sync.Mutex
}

// toolHandler processes one tools/call invocation's arguments and
// returns the result payload to embed in the JSON-RPC response.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) (any, *ccwerr.Error)

var toolHandlers = map[string]toolHandler{
	"capsule/create":         handleCapsuleCreate,
	"capsule/exec":           handleCapsuleExec,
	"capsule/diff":           handleCapsuleDiff,
	"capsule/witness":        handleCapsuleWitness,
	"capsule/replay":         handleCapsuleReplay,
	"capsule/promote":        handleCapsulePromote,
	"capsule/deltamin":       handleCapsuleDeltamin,
	"capsule/commutativity":  handleCapsuleCommutativity,
	"capsule/clone":          handleCapsuleClone,
	"policy/set":             handlePolicySet,
	"policy/get":             handlePolicyGet,
	"policy/list":            handlePolicyList,
}

// Serve reads framed JSON-RPC requests from r and writes responses to
// w until r is exhausted or ctx is canceled, handling exactly one
// request at a time: a slow capsule/exec blocks subsequent requests on
// the same transport rather than running concurrently with them,
// per the scheduling model.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	fr := newFrameReader(r)

	for {
		raw, err := fr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(raw) == 0 {
			continue
		}

		s.handleMessage(ctx, raw, fr.mode, w)
	}
}

func (s *Server) handleMessage(ctx context.Context, raw []byte, mode int, w io.Writer) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeResponse(w, mode, newError(nil, int(ccwerr.CodeParseError), "parse error: "+err.Error()))
		return
	}
	if req.JSONRPC != "2.0" && req.JSONRPC != "" {
		s.writeResponse(w, mode, newError(req.ID, int(ccwerr.CodeInvalidRequest), "unsupported jsonrpc version"))
		return
	}

	resp := s.dispatch(ctx, &req)
	if req.isNotification() {
		return
	}
	s.writeResponse(w, mode, resp)
}

func (s *Server) writeResponse(w io.Writer, mode int, resp *Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFrame(w, mode, resp); err != nil {
		logger.Warn("rpc: write response failed", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return newResult(req.ID, defaultInitializeResult())
	case "initialized":
		return nil
	case "ping":
		return newResult(req.ID, map[string]any{})
	case "tools/list":
		return newResult(req.ID, map[string]any{"tools": toolDescriptors()})
	case "resources/list":
		return newResult(req.ID, map[string]any{"resources": []any{}})
	case "resources/read":
		return newError(req.ID, int(ccwerr.CodeInvalidParams), "unknown resource")
	case "prompts/list":
		return newResult(req.ID, map[string]any{"prompts": []any{}})
	case "prompts/get":
		return newError(req.ID, int(ccwerr.CodeInvalidParams), "unknown prompt")
	case "tools/call":
		return s.dispatchToolCall(ctx, req)
	default:
		return newError(req.ID, int(ccwerr.CodeMethodNotFound), "method not found: "+req.Method)
	}
}

func (s *Server) dispatchToolCall(ctx context.Context, req *Request) *Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newError(req.ID, int(ccwerr.CodeInvalidParams), "invalid tools/call params: "+err.Error())
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return newError(req.ID, int(ccwerr.CodeMethodNotFound), "unknown tool: "+params.Name)
	}

	result, cerr := handler(ctx, s, params.Arguments)
	if cerr != nil {
		return newError(req.ID, int(cerr.Code()), cerr.Error())
	}
	return newResult(req.ID, result)
}

func toolDescriptors() []map[string]any {
	names := make([]string, 0, len(toolHandlers))
	for name := range toolHandlers {
		names = append(names, name)
	}
	descriptors := make([]map[string]any, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, map[string]any{"name": name})
	}
	return descriptors
}
