package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASIIsolator confines executions in a pure-Go WebAssembly runtime.
// Deny-by-default: no filesystem mounts, no network, no host environment.
// Used for tools shipped as WASM modules; inputs carrying a Go handler are
// rejected because in-process code cannot be confined by wazero.
type WASIIsolator struct {
	modules map[string][]byte // tool name -> wasm binary
}

// NewWASIIsolator creates the strategy with a module table.
func NewWASIIsolator(modules map[string][]byte) *WASIIsolator {
	if modules == nil {
		modules = make(map[string][]byte)
	}
	return &WASIIsolator{modules: modules}
}

func (*WASIIsolator) Name() string { return "wasi" }

// Available always succeeds: the runtime is compiled in.
func (*WASIIsolator) Available(context.Context) error { return nil }

// RegisterModule binds a WASM binary to a tool name.
func (w *WASIIsolator) RegisterModule(tool string, wasm []byte) {
	w.modules[tool] = wasm
}

// Run instantiates the tool's module with memory and deadline limits and
// the JSON-encoded args on stdin.
func (w *WASIIsolator) Run(ctx context.Context, sandboxID string, in *Input, limits Limits) *Result {
	wasm, ok := w.modules[in.Tool]
	if !ok {
		return deny(sandboxID, ReasonInvalidInput,
			fmt.Errorf("sandbox: no wasm module registered for tool %q", in.Tool))
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if limits.MemoryBytes > 0 {
		pages := uint32(limits.MemoryBytes / (64 * 1024)) // wazero counts 64KB pages
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	runCtx := ctx
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	r := wazero.NewRuntimeWithConfig(runCtx, runtimeCfg)
	defer func() { _ = r.Close(context.Background()) }()
	wasi_snapshot_preview1.MustInstantiate(runCtx, r)

	var stdout, stderr bytes.Buffer
	stdin := bytes.NewReader(encodeArgs(in.Args))

	// Deny-by-default: no FS config, no host env, no wall clock, no
	// random source beyond wazero defaults.
	modCfg := wazero.NewModuleConfig().
		WithName(sandboxID).
		WithStdin(stdin).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	_, err := r.InstantiateWithConfig(runCtx, wasm, modCfg)

	res := &Result{
		Stdout: truncate(stdout.String(), 4096),
		Stderr: truncate(stderr.String(), 4096),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Error = "sandbox: wasm execution timed out"
		return res
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = int(exitErr.ExitCode())
			if res.ExitCode == 0 {
				res.Success = true
				res.Output = map[string]any{"stdout": res.Stdout}
				return res
			}
			res.Error = fmt.Sprintf("sandbox: wasm exited %d", res.ExitCode)
			return res
		}
		res.Error = err.Error()
		res.FailureReason = ReasonUnknown
		return res
	}

	res.Success = true
	res.Output = map[string]any{"stdout": res.Stdout}
	return res
}

func encodeArgs(args map[string]any) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(args)
	if err != nil {
		return []byte("{}")
	}
	return b
}
