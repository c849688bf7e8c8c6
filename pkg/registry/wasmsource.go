package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// WasmLoader resolves a capability name to a bytecode module on disk,
// deny-by-default: the instantiated module gets no filesystem, no network,
// and no environment. The contract it expects of the module: export
// alloc(size)→ptr and main(ptr,len)→ptr, import host.call(name,input) and
// host.log(ptr,len).
type WasmLoader struct {
	runtime wazero.Runtime
	mu      sync.Mutex
	caller  HostCaller
}

// HostCaller lets a bytecode module invoke other capabilities via the
// imported host.call function. Wired to Context.Call by the Executor.
type HostCaller func(ctx context.Context, name string, input []byte) ([]byte, error)

// NewWasmLoader builds a wazero runtime with WASI instantiated and no
// filesystem/network/env configuration — deny-by-default per the
// dynamic-handler-dispatch design note.
func NewWasmLoader(ctx context.Context, caller HostCaller) (*WasmLoader, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("wasm loader: instantiate wasi: %w", err)
	}
	return &WasmLoader{runtime: r, caller: caller}, nil
}

// Close releases the wazero runtime.
func (l *WasmLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// Load reads "<root>/<dotted/path>.wasm" and wraps it as a CapabilitySource
// whose Handler marshals input, invokes the module's main export, and
// returns main's result bytes as a []byte; they are not unmarshalled.
func (l *WasmLoader) Load(name, root string) (*contracts.CapabilitySource, bool, error) {
	if root == "" {
		return nil, false, nil
	}
	rel := strings.ReplaceAll(name, ".", string(filepath.Separator))
	path := filepath.Join(root, rel+".wasm")
	bytecode, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	src := &contracts.CapabilitySource{
		Name:  name,
		Kind:  contracts.CapabilityBytecode,
		Bytes: bytecode,
	}
	src.Handler = l.handlerFor(name, bytecode)
	return src, true, nil
}

func (l *WasmLoader) handlerFor(name string, bytecode []byte) contracts.CapabilityHandler {
	return func(_ any, input any) (any, error) {
		ctx := context.Background()
		l.mu.Lock()
		defer l.mu.Unlock()

		hostMod, err := l.buildHostModule(ctx, name)
		if err != nil {
			return nil, chainerr.Newf(chainerr.CodeInternalError, name, "wasm host module: %v", err)
		}
		defer func() { _ = hostMod.Close(ctx) }()

		compiled, err := l.runtime.CompileModule(ctx, bytecode)
		if err != nil {
			return nil, chainerr.Newf(chainerr.CodeInternalError, name, "wasm compile: %v", err)
		}
		defer func() { _ = compiled.Close(ctx) }()

		var stdout bytes.Buffer
		modCfg := wazero.NewModuleConfig().
			WithName(name).
			WithStdout(&stdout)

		mod, err := l.runtime.InstantiateModule(ctx, compiled, modCfg)
		if err != nil {
			return nil, chainerr.Newf(chainerr.CodeInternalError, name, "wasm instantiate: %v", err)
		}
		defer func() { _ = mod.Close(ctx) }()

		inputBytes, err := marshalInput(input)
		if err != nil {
			return nil, chainerr.Newf(chainerr.CodeInternalError, name, "marshal input: %v", err)
		}

		result, err := invokeMain(ctx, mod, inputBytes)
		if err != nil {
			return nil, chainerr.Newf(chainerr.CodeExecutionError, name, "wasm main: %v", err)
		}
		return result, nil
	}
}

// buildHostModule defines the "host" import namespace every bytecode
// capability links against: call(name,input) and log(ptr,len).
func (l *WasmLoader) buildHostModule(ctx context.Context, capName string) (api.Module, error) {
	builder := l.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, namePtr, nameLen, inPtr, inLen uint32) uint64 {
			mem := m.Memory()
			nameBytes, _ := mem.Read(namePtr, nameLen)
			inBytes, _ := mem.Read(inPtr, inLen)
			if l.caller == nil {
				return 0
			}
			out, err := l.caller(ctx, string(nameBytes), inBytes)
			if err != nil {
				return 0
			}
			ptr, _ := writeToGuestMemory(m, out)
			return (uint64(ptr) << 32) | uint64(len(out))
		}).
		Export("call")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			_, _ = m.Memory().Read(ptr, length)
		}).
		Export("log")
	return builder.Instantiate(ctx)
}

func marshalInput(input any) ([]byte, error) {
	if b, ok := input.([]byte); ok {
		return b, nil
	}
	return json.Marshal(input)
}

// invokeMain calls the module's exported main(ptr,len)→ptr. The returned
// packed pointer's low 32 bits are length, high 32 bits are the data
// pointer, matching the alloc/main contract bytecode modules must expose.
func invokeMain(ctx context.Context, mod api.Module, input []byte) ([]byte, error) {
	alloc := mod.ExportedFunction("alloc")
	main := mod.ExportedFunction("main")
	if alloc == nil || main == nil {
		return nil, fmt.Errorf("module missing required exports alloc/main")
	}

	results, err := alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, input) {
		return nil, fmt.Errorf("alloc: out of bounds write")
	}

	results, err = main.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("main: %w", err)
	}
	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	out, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("main: out of bounds read")
	}
	return append([]byte(nil), out...), nil
}

func writeToGuestMemory(m api.Module, data []byte) (uint32, error) {
	alloc := m.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest module missing alloc export")
	}
	results, err := alloc.Call(context.Background(), uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write out of bounds")
	}
	return ptr, nil
}
