package engine

import (
	"context"
	"encoding/json"
	"sort"
)

// OpKind is the kind of operation emitted by the differ.
type OpKind string

const (
	// OpCreate deploys a detection that the remote system does not have.
	OpCreate OpKind = "create"

	// OpUpdate replaces a remote detection whose content drifted from desired.
	OpUpdate OpKind = "update"

	// OpDelete removes a remote detection no longer present in the workspace.
	OpDelete OpKind = "delete"
)

// Operation is one unit of work against a single (service, detection) pair.
// Operations are created transiently by the differ and consumed by the
// reconciler; they are never persisted.
type Operation struct {
	Kind      OpKind `json:"kind"`
	Service   string `json:"service"`
	Detection string `json:"detection"`

	// Prior is the last known remote content (delete, update), nil otherwise.
	Prior []byte `json:"-"`

	// Desired is the workspace content (create, update), nil for delete.
	Desired []byte `json:"-"`
}

// DriftWarning flags a remote artifact that exists outside the desired set and
// the state; no action is taken on it except during destroy.
type DriftWarning struct {
	Service   string `json:"service"`
	Detection string `json:"detection"`
}

// Plan is the ordered operation set produced by the differ.
type Plan struct {
	Ops   []Operation    `json:"operations"`
	Drift []DriftWarning `json:"drift,omitempty"`
}

// HasChanges reports whether the plan contains any operation.
func (p *Plan) HasChanges() bool {
	return len(p.Ops) > 0
}

// sortOps orders operations: deletes before creates before updates, then by
// (service, detection) lexicographically, so deletes free namespace for
// creates in adversarial plugins.
func sortOps(ops []Operation) {
	rank := map[OpKind]int{OpDelete: 0, OpCreate: 1, OpUpdate: 2}
	sort.SliceStable(ops, func(i, j int) bool {
		if rank[ops[i].Kind] != rank[ops[j].Kind] {
			return rank[ops[i].Kind] < rank[ops[j].Kind]
		}
		if ops[i].Service != ops[j].Service {
			return ops[i].Service < ops[j].Service
		}
		return ops[i].Detection < ops[j].Detection
	})
}

// PluginMetadata identifies a loaded plugin.
type PluginMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PluginClient is the typed facade over one plugin bound to one service's
// settings. Implementations validate the settings against the plugin's
// advertised schema once, at binding time, and short-circuit every call when
// that validation failed.
type PluginClient interface {
	// Metadata returns the plugin's cached identity.
	Metadata() PluginMetadata

	// DetectionSchema returns the schema describing a detection document.
	DetectionSchema(ctx context.Context) ([]byte, error)

	// Validate submits a detection document to the plugin's own validation.
	Validate(ctx context.Context, detection []byte) error

	// Create deploys a detection on the remote system.
	Create(ctx context.Context, detection []byte) error

	// Update replaces a detection on the remote system.
	Update(ctx context.Context, detection []byte) error

	// Delete removes a detection from the remote system.
	Delete(ctx context.Context, detection []byte) error

	// Read returns the remote artifact for a detection; found is false when
	// the remote system has no such artifact.
	Read(ctx context.Context, detection []byte) (artifact []byte, found bool, err error)

	// Ping probes the remote system's reachability.
	Ping(ctx context.Context) (bool, error)
}

// PluginBroker resolves a plugin name plus serialized service settings to a
// bound client. Brokers cache loaded plugin instances for process lifetime.
type PluginBroker interface {
	ServiceClient(ctx context.Context, plugin string, settings []byte) (PluginClient, error)
}

// ServiceTarget is one resolved service in scope for a reconciliation.
type ServiceTarget struct {
	// ID is the service identifier.
	ID string

	// Plugin is the owning plugin name.
	Plugin string

	// Settings is the service settings table, serialized to JSON.
	Settings []byte

	// Desired maps detection local names to workspace bytes for this
	// service's plugin. Destroy receives the same view and uses it only to
	// choose which names to read remotely.
	Desired map[string][]byte
}

// Store is the persistence boundary implemented by the state backends.
type Store interface {
	// Load reads the persisted state. exists is false when no state has been
	// written yet; the returned document is then a fresh empty one.
	Load(ctx context.Context) (doc *StateDoc, exists bool, err error)

	// Save writes the document, incrementing its serial. The write replaces
	// the document atomically.
	Save(ctx context.Context, doc *StateDoc) error

	// Lock acquires the exclusive lock and returns an opaque token required
	// by Unlock. A held lock surfaces as a KindStateLocked error.
	Lock(ctx context.Context, info LockInfo) (token string, err error)

	// Unlock releases the lock identified by token.
	Unlock(ctx context.Context, token string) error
}

// LockInfo is the lock metadata sent to the state store on acquisition. Its
// wire shape is Terraform-compatible so existing remote state backends work
// without new server code.
type LockInfo struct {
	ID        string `json:"ID"`
	Operation string `json:"Operation"`
	Who       string `json:"Who"`
	Version   string `json:"Version"`
	Created   string `json:"Created"`
}

// StateDoc is the engine's view of the persisted state: a two-level mapping
// service identifier -> detection local name -> deployed artifact bytes.
// Concrete serialization lives in pkg/state; the engine mutates the mapping
// through this interface-free value to keep operations idempotent at the
// state-key granularity.
type StateDoc struct {
	// Serial increases by one on every successful commit.
	Serial uint64

	// Lineage is a random identifier set on first write, immutable after.
	Lineage string

	// Artifacts is the deployed artifact mapping.
	Artifacts map[string]map[string][]byte

	// Raw carries backend-specific fields (unknown JSON keys, outputs) so a
	// load/save cycle preserves them. Opaque to the engine.
	Raw map[string]json.RawMessage
}

// NewStateDoc returns an empty state document.
func NewStateDoc() *StateDoc {
	return &StateDoc{Artifacts: make(map[string]map[string][]byte)}
}

// Artifact returns the deployed bytes for (service, name).
func (d *StateDoc) Artifact(service, name string) ([]byte, bool) {
	svc, ok := d.Artifacts[service]
	if !ok {
		return nil, false
	}
	b, ok := svc[name]
	return b, ok
}

// SetArtifact records a successful create/update.
func (d *StateDoc) SetArtifact(service, name string, content []byte) {
	if d.Artifacts == nil {
		d.Artifacts = make(map[string]map[string][]byte)
	}
	svc, ok := d.Artifacts[service]
	if !ok {
		svc = make(map[string][]byte)
		d.Artifacts[service] = svc
	}
	svc[name] = content
}

// RemoveArtifact records a successful delete.
func (d *StateDoc) RemoveArtifact(service, name string) {
	if svc, ok := d.Artifacts[service]; ok {
		delete(svc, name)
	}
}

// Clone returns a deep copy used as the reconciler's working state.
func (d *StateDoc) Clone() *StateDoc {
	out := &StateDoc{
		Serial:    d.Serial,
		Lineage:   d.Lineage,
		Artifacts: make(map[string]map[string][]byte, len(d.Artifacts)),
		Raw:       d.Raw,
	}
	for svc, rules := range d.Artifacts {
		cp := make(map[string][]byte, len(rules))
		for name, content := range rules {
			dup := make([]byte, len(content))
			copy(dup, content)
			cp[name] = dup
		}
		out.Artifacts[svc] = cp
	}
	return out
}
