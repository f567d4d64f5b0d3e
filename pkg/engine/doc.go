// Package engine implements the reconciliation core of LogCraft CLI.
//
// # Overview
//
// The engine compares three views of every detection and turns the delta into
// an ordered set of operations executed through sandboxed plugins:
//
//  1. Desired - detection files present in the workspace
//  2. State - what was last successfully deployed (state store)
//  3. Observed - what the plugin reports as currently existing remotely
//
// # Core Domain Types
//
//   - Operation: a single create/update/delete against one (service, detection)
//   - Plan: the ordered operation set plus drift warnings
//   - Reconciler: drives plan, apply and destroy with locking and commit
//   - PluginClient / PluginBroker: the boundary to the sandbox host
//   - Error: the classified error taxonomy shared by all packages
//
// Detections are opaque byte blobs to the engine; equality is decided on a
// canonical JSON form when the bytes parse as JSON, raw bytes otherwise.
package engine
