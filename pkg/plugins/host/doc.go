// Package host runs detection plugins as sandboxed WebAssembly modules.
//
// Each plugin is a core module under the configured plugins directory
// exporting the fixed interface (load, settings, schema, validate, CRUD,
// ping) plus malloc/free for the packed-pointer ABI. The host grants a single
// capability, an outbound HTTP request facility; no filesystem, environment
// or other network access crosses the boundary. Inputs and outputs are byte
// sequences only.
//
// Modules are compiled and instantiated lazily on first use and cached for
// process lifetime. Calls into the same instance are serialized by a
// per-instance mutex; calls into different instances run in parallel.
package host
