package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// pluginExports are the functions every plugin module must export, beside
// malloc and free.
var pluginExports = []string{
	"plugin_load",
	"plugin_settings",
	"plugin_schema",
	"plugin_validate",
	"plugin_create",
	"plugin_read",
	"plugin_update",
	"plugin_delete",
	"plugin_ping",
}

// Bridge calls into one instantiated plugin module. Every exported operation
// has the signature fn(ptr: u32, len: u32) -> u64 where the result packs
// ptr<<32|len of a JSON response envelope in guest memory; byte payloads
// travel base64-encoded inside the envelopes.
type Bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
	fns    map[string]api.Function
}

// NewBridge validates the module's exports and prepares the call table. A
// missing export is a PluginLoad error.
func NewBridge(module api.Module) (*Bridge, error) {
	b := &Bridge{
		module: module,
		memory: module.Memory(),
		fns:    make(map[string]api.Function, len(pluginExports)),
	}
	if b.memory == nil {
		return nil, engine.Errorf(engine.KindPluginLoad, "module does not export memory")
	}

	if b.malloc = module.ExportedFunction("malloc"); b.malloc == nil {
		return nil, engine.Errorf(engine.KindPluginLoad, "module does not export malloc")
	}
	if b.free = module.ExportedFunction("free"); b.free == nil {
		return nil, engine.Errorf(engine.KindPluginLoad, "module does not export free")
	}

	for _, name := range pluginExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, engine.Errorf(engine.KindPluginLoad, "module does not export %s", name)
		}
		b.fns[name] = fn
	}
	return b, nil
}

// callRequest is the request envelope for CRUD, read, validate and ping.
type callRequest struct {
	// Settings is the serialized service settings; base64 on the wire.
	Settings []byte `json:"settings,omitempty"`

	// Detection is the raw detection payload; base64 on the wire.
	Detection []byte `json:"detection,omitempty"`
}

// callResponse is the union response envelope. Error carries the plugin's
// message verbatim; the remaining fields are operation-specific.
type callResponse struct {
	Error string `json:"error,omitempty"`

	// load
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`

	// settings, schema
	Schema []byte `json:"schema,omitempty"`

	// read: null means the remote artifact does not exist.
	Detection *[]byte `json:"detection,omitempty"`

	// ping
	OK *bool `json:"ok,omitempty"`
}

// call invokes one exported operation with the given envelope and decodes
// the response. A plugin-returned error string maps to PluginRuntime,
// verbatim.
func (b *Bridge) call(ctx context.Context, op string, req *callRequest) (*callResponse, error) {
	var input []byte
	if req != nil {
		var err error
		if input, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("unable to encode %s request: %w", op, err)
		}
	}

	output, err := b.invoke(ctx, b.fns[op], input)
	if err != nil {
		return nil, engine.NewError(engine.KindPluginRuntime, fmt.Sprintf("%s failed", op), err)
	}

	var resp callResponse
	if len(output) > 0 {
		if err := json.Unmarshal(output, &resp); err != nil {
			return nil, engine.NewError(engine.KindPluginRuntime, fmt.Sprintf("invalid %s response", op), err)
		}
	}
	if resp.Error != "" {
		return nil, engine.NewPluginRuntime(resp.Error)
	}
	return &resp, nil
}

// invoke runs the packed-pointer calling convention: write the input through
// the guest's malloc, call, read the packed result, free the output buffer.
func (b *Bridge) invoke(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		if !b.memory.Write(ptr, input) {
			return nil, fmt.Errorf("unable to write input to guest memory")
		}
		inputPtr, inputLen = ptr, uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("unable to read output from guest memory")
	}
	// Copy before freeing: Read returns a view into guest memory.
	result := make([]byte, len(output))
	copy(result, output)
	b.deallocate(ctx, outputPtr)

	return result, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}
