package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/ccw-mcp/internal/policy"
	"github.com/ehrlich-b/ccw-mcp/internal/promote"
	"github.com/ehrlich-b/ccw-mcp/internal/registry"
	"github.com/ehrlich-b/ccw-mcp/internal/witness"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.New(filepath.Join(dir, "capsules"))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	wit, err := witness.New(filepath.Join(dir, "witnesses"))
	if err != nil {
		t.Fatalf("witness.New: %v", err)
	}
	pol := policy.New()
	return &Server{
		Registry: reg,
		Witness:  wit,
		Policy:   pol,
		Promote:  promote.New(pol),
	}
}

// call sends one request directly through dispatch, bypassing Serve's
// framing and stdio plumbing, and decodes the result into out.
func call(t *testing.T, s *Server, method string, params any, out any) *ResponseError {
	t.Helper()

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = b
	}

	req := &Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: rawParams}
	resp := s.dispatch(context.Background(), req)
	if resp == nil {
		t.Fatalf("dispatch(%s) returned nil response", method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		b, err := json.Marshal(resp.Result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		if err := json.Unmarshal(b, out); err != nil {
			t.Fatalf("unmarshal result into %T: %v", out, err)
		}
	}
	return nil
}

func callTool(t *testing.T, s *Server, name string, args any, out any) *ResponseError {
	t.Helper()
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshal args: %v", err)
		}
		rawArgs = b
	}
	return call(t, s, "tools/call", toolsCallParams{Name: name, Arguments: rawArgs}, out)
}

func TestScenarioEchoAndDiff(t *testing.T) {
	s := newTestServer(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "test.txt"), []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	var created registry.CreateResult
	if errResp := callTool(t, s, "capsule/create", map[string]any{"workspace": ws}, &created); errResp != nil {
		t.Fatalf("capsule/create: %+v", errResp)
	}
	if created.CapsuleID == "" {
		t.Fatal("expected non-empty capsule_id")
	}

	var execRes map[string]any
	execArgs := map[string]any{
		"capsule_id": created.CapsuleID,
		"cmd":        []string{"sh", "-c", "printf modified > test.txt"},
	}
	if errResp := callTool(t, s, "capsule/exec", execArgs, &execRes); errResp != nil {
		t.Fatalf("capsule/exec: %+v", errResp)
	}
	if code, _ := execRes["exit_code"].(float64); code != 0 {
		t.Fatalf("expected exit_code 0, got %v", execRes["exit_code"])
	}

	var diffRes registry.DiffResult
	if errResp := callTool(t, s, "capsule/diff", map[string]any{"capsule_id": created.CapsuleID}, &diffRes); errResp != nil {
		t.Fatalf("capsule/diff: %+v", errResp)
	}
	if diffRes.Summary.Modified == 0 {
		t.Errorf("expected test.txt to register as modified, got summary %+v", diffRes.Summary)
	}
}

func TestScenarioWitnessRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "test.txt"), []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	var created registry.CreateResult
	if errResp := callTool(t, s, "capsule/create", map[string]any{"workspace": ws}, &created); errResp != nil {
		t.Fatalf("capsule/create: %+v", errResp)
	}

	execArgs := map[string]any{
		"capsule_id": created.CapsuleID,
		"cmd":        []string{"sh", "-c", "printf modified > test.txt"},
	}
	if errResp := callTool(t, s, "capsule/exec", execArgs, nil); errResp != nil {
		t.Fatalf("capsule/exec: %+v", errResp)
	}

	var witRes witness.CreateResult
	witArgs := map[string]any{
		"capsule_id":    created.CapsuleID,
		"include_blobs": true,
		"compress":      "none",
	}
	if errResp := callTool(t, s, "capsule/witness", witArgs, &witRes); errResp != nil {
		t.Fatalf("capsule/witness: %+v", errResp)
	}
	if witRes.RootHash == "" {
		t.Fatal("expected non-empty root_hash")
	}

	var replayRes witness.ReplayResult
	if errResp := callTool(t, s, "capsule/replay", map[string]any{"witness_id": witRes.WitnessID}, &replayRes); errResp != nil {
		t.Fatalf("capsule/replay: %+v", errResp)
	}
	if !replayRes.ReplayOK {
		t.Error("expected replay_ok=true")
	}
	if replayRes.RootHash != witRes.RootHash {
		t.Errorf("replay root hash %s != witness root hash %s", replayRes.RootHash, witRes.RootHash)
	}
}

func TestScenarioPolicyDeny(t *testing.T) {
	s := newTestServer(t)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "test.txt"), []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	var created registry.CreateResult
	if errResp := callTool(t, s, "capsule/create", map[string]any{"workspace": ws}, &created); errResp != nil {
		t.Fatalf("capsule/create: %+v", errResp)
	}

	execArgs := map[string]any{
		"capsule_id": created.CapsuleID,
		"cmd":        []string{"sh", "-c", "printf modified > test.txt"},
	}
	if errResp := callTool(t, s, "capsule/exec", execArgs, nil); errResp != nil {
		t.Fatalf("capsule/exec: %+v", errResp)
	}

	setArgs := map[string]any{
		"name":  "p",
		"rules": policy.Rule{DenyPaths: []string{"test.txt"}},
	}
	if errResp := callTool(t, s, "policy/set", setArgs, nil); errResp != nil {
		t.Fatalf("policy/set: %+v", errResp)
	}

	var promoteRes promote.Result
	promoteArgs := map[string]any{
		"capsule_id": created.CapsuleID,
		"target_dir": ws,
		"policies":   []string{"p"},
	}
	if errResp := callTool(t, s, "capsule/promote", promoteArgs, &promoteRes); errResp != nil {
		t.Fatalf("capsule/promote: %+v", errResp)
	}
	if promoteRes.Promoted {
		t.Error("expected promoted=false")
	}
	if promoteRes.PolicyReport.PathsOK {
		t.Error("expected policy_report.paths_ok=false")
	}
	found := false
	for _, p := range promoteRes.PolicyReport.DeniedPaths {
		if p == "test.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected deny_paths to include test.txt, got %v", promoteRes.PolicyReport.DeniedPaths)
	}
}

func TestScenarioCommutativity(t *testing.T) {
	s := newTestServer(t)
	ws := t.TempDir()

	var created registry.CreateResult
	if errResp := callTool(t, s, "capsule/create", map[string]any{"workspace": ws}, &created); errResp != nil {
		t.Fatalf("capsule/create: %+v", errResp)
	}

	_, cel, ok := s.Registry.Get(created.CapsuleID)
	if !ok {
		t.Fatal("expected capsule to be registered")
	}
	mount := cel.MountPoint()
	for _, rel := range []string{"a/b.txt", "c/d.txt", "a/e.txt"} {
		full := filepath.Join(mount, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var commuteRes map[string]any
	if errResp := callTool(t, s, "capsule/commutativity", map[string]any{"capsule_id": created.CapsuleID}, &commuteRes); errResp != nil {
		t.Fatalf("capsule/commutativity: %+v", errResp)
	}

	sets, _ := commuteRes["independent_sets"].([]any)
	foundAB := false
	foundC := false
	for _, raw := range sets {
		set, _ := raw.([]any)
		members := map[string]bool{}
		for _, m := range set {
			members[fmt.Sprint(m)] = true
		}
		if len(members) == 2 && members["a/b.txt"] && members["a/e.txt"] {
			foundAB = true
		}
		if len(members) == 1 && members["c/d.txt"] {
			foundC = true
		}
	}
	if !foundAB {
		t.Errorf("expected an independent set {a/b.txt, a/e.txt}, got %v", sets)
	}
	if !foundC {
		t.Errorf("expected an independent set {c/d.txt}, got %v", sets)
	}
	if pairs, _ := commuteRes["conflict_pairs"].([]any); len(pairs) != 0 {
		t.Errorf("expected no conflict pairs, got %v", pairs)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "bogus"}
	resp := s.dispatch(context.Background(), req)
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestServeNewlineFraming(t *testing.T) {
	s := newTestServer(t)
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	var out bytes.Buffer
	if err := s.Serve(context.Background(), bytes.NewBufferString(input), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		t.Fatal("expected one response line")
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}
