package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gantryhq/gantry/internal/paths"
)

// RegisterBuiltins wires the built-in tools into a registry. workspaceRoot
// confines every file resource; exe runs shell commands.
func RegisterBuiltins(r *Registry, workspaceRoot string, exe ExecRunner) error {
	if err := r.Register("echo", &EchoTool{}); err != nil {
		return err
	}
	if err := r.Register("write_file", &WriteFileTool{Root: workspaceRoot}); err != nil {
		return err
	}
	if err := r.Register("append_file", &AppendFileTool{Root: workspaceRoot}); err != nil {
		return err
	}
	if err := r.Register("exec", &ExecTool{Root: workspaceRoot, Exe: exe}); err != nil {
		return err
	}
	return nil
}

// EchoTool returns its params unchanged. Idempotent; used for development and
// as the harmless default in playbooks.
type EchoTool struct{}

func (t *EchoTool) Idempotent() bool { return true }

func (t *EchoTool) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := map[string]any{"echo": json.RawMessage(inv.Params)}
	if inv.Guidance != "" {
		out["guidance"] = inv.Guidance
	}
	return json.Marshal(out)
}

// WriteFileTool writes the "content" param to the step's resource path.
// Writing the same bytes twice is a no-op, so it declares idempotency.
type WriteFileTool struct {
	Root string
}

func (t *WriteFileTool) Idempotent() bool { return true }

func (t *WriteFileTool) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, content, err := fileArgs(t.Root, inv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"written": inv.Resource, "bytes": len(content)})
}

// AppendFileTool appends the "content" param to the step's resource path.
// Appending is not idempotent; a retry would duplicate the write.
type AppendFileTool struct {
	Root string
}

func (t *AppendFileTool) Idempotent() bool { return false }

func (t *AppendFileTool) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, content, err := fileArgs(t.Root, inv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := f.Write(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"appended": inv.Resource, "bytes": n})
}

func fileArgs(root string, inv Invocation) (string, []byte, error) {
	if err := paths.ValidateResource(inv.Resource); err != nil {
		return "", nil, err
	}
	target, err := paths.SafeJoin(root, inv.Resource)
	if err != nil {
		return "", nil, err
	}
	var p struct {
		Content string `json:"content"`
	}
	if len(inv.Params) > 0 {
		if err := json.Unmarshal(inv.Params, &p); err != nil {
			return "", nil, fmt.Errorf("bad params: %w", err)
		}
	}
	return target, []byte(p.Content), nil
}

// ExecTool runs a command inside the workspace root. Non-idempotent: the
// engine never retries a failed invocation.
type ExecTool struct {
	Root string
	Exe  ExecRunner
}

func (t *ExecTool) Idempotent() bool { return false }

func (t *ExecTool) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	var p struct {
		Cmd []string `json:"cmd"`
		Dir string   `json:"dir"`
	}
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return nil, fmt.Errorf("bad params: %w", err)
	}
	if len(p.Cmd) == 0 {
		return nil, fmt.Errorf("exec: empty cmd")
	}
	dir := t.Root
	if p.Dir != "" {
		var err error
		dir, err = paths.SafeJoin(t.Root, p.Dir)
		if err != nil {
			return nil, err
		}
	}
	out, err := t.Exe.Run(ctx, dir, p.Cmd[0], p.Cmd[1:]...)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w: %s", p.Cmd[0], err, out)
	}
	return json.Marshal(map[string]any{"output": out})
}
