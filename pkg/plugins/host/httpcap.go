package host

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModule is the import namespace plugins bind against.
const hostModule = "logcraft:host"

// maxResponseBody bounds what a plugin can pull through the capability.
const maxResponseBody = 32 << 20

// httpRequest is the request a plugin passes to the outbound-http capability.
type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// httpResponse is what the capability hands back to the plugin.
type httpResponse struct {
	Error   string            `json:"error,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// capability brokers the single host capability granted to the sandbox: a
// synchronous HTTP request facility. The host enforces timeout and TLS;
// plugins see no other network surface.
type capability struct {
	client *http.Client
	logger zerolog.Logger
}

func newCapability(timeout time.Duration, logger zerolog.Logger) *capability {
	return &capability{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "host-capability").Logger(),
	}
}

// register installs the host module into the runtime. The exported function
// follows the same packed-pointer convention as the plugin exports, with the
// host calling the guest's malloc for the response buffer.
func (c *capability) register(ctx context.Context, runtime wazero.Runtime) error {
	_, err := runtime.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			return c.handle(ctx, mod, ptr, length)
		}).
		Export("http_request").
		Instantiate(ctx)
	return err
}

func (c *capability) handle(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	input, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return c.reply(ctx, mod, &httpResponse{Error: "unable to read request from guest memory"})
	}

	var req httpRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return c.reply(ctx, mod, &httpResponse{Error: "invalid http request envelope: " + err.Error()})
	}

	resp := c.perform(ctx, &req)
	return c.reply(ctx, mod, resp)
}

func (c *capability) perform(ctx context.Context, req *httpRequest) *httpResponse {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return &httpResponse{Error: err.Error()}
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return &httpResponse{Error: err.Error()}
	}
	defer httpResp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return &httpResponse{Error: err.Error()}
	}

	headers := make(map[string]string, len(httpResp.Header))
	for key := range httpResp.Header {
		headers[key] = httpResp.Header.Get(key)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Int("status", httpResp.StatusCode).
		Msg("outbound http request")

	return &httpResponse{
		Status:  httpResp.StatusCode,
		Headers: headers,
		Body:    data,
	}
}

// reply serializes the response into guest memory obtained from the guest's
// own allocator and returns the packed pointer. The guest frees the buffer.
func (c *capability) reply(ctx context.Context, mod api.Module, resp *httpResponse) uint64 {
	data, err := json.Marshal(resp)
	if err != nil {
		return 0
	}

	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}
