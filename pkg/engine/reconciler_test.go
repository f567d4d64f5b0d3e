package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu     sync.Mutex
	doc    *StateDoc
	exists bool

	locked    bool
	lockErr   error
	failSaves int

	saves   int
	unlocks int
}

func newFakeStore() *fakeStore {
	return &fakeStore{doc: NewStateDoc()}
}

func (s *fakeStore) Load(ctx context.Context) (*StateDoc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone(), s.exists, nil
}

func (s *fakeStore) Save(ctx context.Context, doc *StateDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return Errorf(KindStateIO, "save refused")
	}
	if doc.Lineage == "" {
		doc.Lineage = "test-lineage"
	}
	doc.Serial++
	s.doc = doc.Clone()
	s.exists = true
	s.saves++
	return nil
}

func (s *fakeStore) Lock(ctx context.Context, info LockInfo) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return "", s.lockErr
	}
	if s.locked {
		return "", Errorf(KindStateLocked, "already locked")
	}
	s.locked = true
	return info.ID, nil
}

func (s *fakeStore) Unlock(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	s.unlocks++
	return nil
}

// fakeClient simulates a plugin. The remote identity of a detection is its
// "name" JSON field.
type fakeClient struct {
	mu     sync.Mutex
	remote map[string][]byte
	failOn map[string]error

	creates []string
	updates []string
	deletes []string
	reads   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{remote: make(map[string][]byte), failOn: make(map[string]error)}
}

func nameOf(detection []byte) string {
	var probe struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(detection, &probe)
	return probe.Name
}

func (c *fakeClient) Metadata() PluginMetadata { return PluginMetadata{Name: "fake", Version: "1.0"} }

func (c *fakeClient) DetectionSchema(ctx context.Context) ([]byte, error) { return nil, nil }

func (c *fakeClient) Validate(ctx context.Context, detection []byte) error { return nil }

func (c *fakeClient) Create(ctx context.Context, detection []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := nameOf(detection)
	if err, ok := c.failOn[name]; ok {
		return err
	}
	c.creates = append(c.creates, name)
	c.remote[name] = detection
	return nil
}

func (c *fakeClient) Update(ctx context.Context, detection []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := nameOf(detection)
	if err, ok := c.failOn[name]; ok {
		return err
	}
	c.updates = append(c.updates, name)
	c.remote[name] = detection
	return nil
}

func (c *fakeClient) Delete(ctx context.Context, detection []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := nameOf(detection)
	if err, ok := c.failOn[name]; ok {
		return err
	}
	c.deletes = append(c.deletes, name)
	delete(c.remote, name)
	return nil
}

func (c *fakeClient) Read(ctx context.Context, detection []byte) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	artifact, ok := c.remote[nameOf(detection)]
	return artifact, ok, nil
}

func (c *fakeClient) Ping(ctx context.Context) (bool, error) { return true, nil }

type fakeBroker struct {
	client *fakeClient
	calls  int
}

func (b *fakeBroker) ServiceClient(ctx context.Context, plugin string, settings []byte) (PluginClient, error) {
	b.calls++
	return b.client, nil
}

func newTestReconciler(store *fakeStore, client *fakeClient) (*Reconciler, *fakeBroker) {
	broker := &fakeBroker{client: client}
	r := NewReconciler(store, broker, zerolog.Nop())
	return r, broker
}

func target(id string, desired map[string][]byte) ServiceTarget {
	return ServiceTarget{ID: id, Plugin: "fake", Settings: []byte(`{}`), Desired: desired}
}

func TestApplyCreate(t *testing.T) {
	b1 := bs(`{"name":"r1","v":1}`)
	store := newFakeStore()
	client := newFakeClient()
	rec, _ := newTestReconciler(store, client)

	plan, _, err := rec.Plan(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": b1})}, false)
	require.NoError(t, err)
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, OpCreate, plan.Ops[0].Kind)

	res, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": b1})}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"r1"}, client.creates)

	artifact, ok := store.doc.Artifact("s1", "r1")
	require.True(t, ok)
	assert.Equal(t, b1, artifact)
	assert.Equal(t, uint64(1), store.doc.Serial)
	assert.Equal(t, 1, store.unlocks)
}

func TestApplyUpdate(t *testing.T) {
	b1 := bs(`{"name":"r1","v":1}`)
	b2 := bs(`{"name":"r1","v":2}`)

	store := newFakeStore()
	store.doc.SetArtifact("s1", "r1", b1)
	store.doc.Serial = 1
	store.doc.Lineage = "test-lineage"
	store.exists = true

	client := newFakeClient()
	client.remote["r1"] = b1

	rec, _ := newTestReconciler(store, client)
	res, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": b2})}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, client.updates)
	assert.Empty(t, client.creates)

	artifact, _ := store.doc.Artifact("s1", "r1")
	assert.Equal(t, b2, artifact)
	assert.Equal(t, uint64(2), store.doc.Serial)
	assert.Equal(t, "test-lineage", store.doc.Lineage)
	assert.Len(t, res.Applied, 1)
}

func TestApplyDelete(t *testing.T) {
	b2 := bs(`{"name":"r1","v":2}`)

	store := newFakeStore()
	store.doc.SetArtifact("s1", "r1", b2)
	store.exists = true

	client := newFakeClient()
	client.remote["r1"] = b2

	rec, _ := newTestReconciler(store, client)
	res, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", nil)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, client.deletes)
	assert.Len(t, res.Applied, 1)

	_, ok := store.doc.Artifact("s1", "r1")
	assert.False(t, ok)
}

func TestPlanRepairAndStateOnly(t *testing.T) {
	b1 := bs(`{"name":"r1","v":1}`)

	store := newFakeStore()
	store.doc.SetArtifact("s1", "r1", b1)
	store.exists = true

	// Remote artifact vanished: live plan repairs with a create.
	client := newFakeClient()
	rec, _ := newTestReconciler(store, client)

	plan, _, err := rec.Plan(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": b1})}, false)
	require.NoError(t, err)
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, OpCreate, plan.Ops[0].Kind)

	// State-only plan trusts the state, sees no changes and reads nothing
	// remotely.
	readsBefore := client.reads
	plan, _, err = rec.Plan(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": b1})}, true)
	require.NoError(t, err)
	assert.Empty(t, plan.Ops)
	assert.Equal(t, readsBefore, client.reads)
}

func TestStateOnlyRequiresState(t *testing.T) {
	rec, _ := newTestReconciler(newFakeStore(), newFakeClient())
	_, _, err := rec.Plan(context.Background(), []ServiceTarget{target("s1", nil)}, true)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStateIO))
}

func TestApplyLockContention(t *testing.T) {
	store := newFakeStore()
	store.locked = true

	client := newFakeClient()
	rec, broker := newTestReconciler(store, client)

	_, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": bs(`{"name":"r1"}`)})}, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStateLocked))
	// No plugin call happened.
	assert.Zero(t, broker.calls)
	assert.Zero(t, client.reads)
}

func TestApplyPartialFailure(t *testing.T) {
	r1 := bs(`{"name":"r1"}`)
	r2 := bs(`{"name":"r2"}`)
	desired := map[string][]byte{"r1": r1, "r2": r2}

	store := newFakeStore()
	client := newFakeClient()
	client.failOn["r2"] = NewPluginRuntime("backend rejected rule")

	rec, _ := newTestReconciler(store, client)
	res, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", desired)}, nil)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "r2", res.Failed[0].Operation.Detection)
	assert.True(t, IsKind(res.Failed[0].Err, KindPluginRuntime))

	// Partial progress persisted: r1 only, serial bumped once.
	_, ok := store.doc.Artifact("s1", "r1")
	assert.True(t, ok)
	_, ok = store.doc.Artifact("s1", "r2")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), store.doc.Serial)

	// A second apply re-attempts only the failed operation.
	delete(client.failOn, "r2")
	res, err = rec.Apply(context.Background(), []ServiceTarget{target("s1", desired)}, nil)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "r2", res.Applied[0].Detection)
	assert.Equal(t, []string{"r1", "r2"}, client.creates)
}

func TestApplyDeclined(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	rec, _ := newTestReconciler(store, client)

	decline := func(p *Plan) (bool, error) { return false, nil }
	res, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": bs(`{"name":"r1"}`)})}, decline)
	require.NoError(t, err)
	assert.True(t, res.Declined)
	assert.Empty(t, client.creates)
	assert.Zero(t, store.saves)
	assert.Equal(t, 1, store.unlocks)
}

func TestCommitRetry(t *testing.T) {
	store := newFakeStore()
	store.failSaves = 1

	client := newFakeClient()
	rec, _ := newTestReconciler(store, client)

	_, err := rec.Apply(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": bs(`{"name":"r1"}`)})}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)

	store.failSaves = 2
	_, err = rec.Apply(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r2": bs(`{"name":"r2"}`)})}, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStateCommitFailed))
	// Unlock still attempted after the failed commit.
	assert.Equal(t, 2, store.unlocks)
}

func TestDestroy(t *testing.T) {
	b1 := bs(`{"name":"r1"}`)
	store := newFakeStore()
	store.doc.SetArtifact("s1", "r1", b1)
	store.exists = true

	client := newFakeClient()
	client.remote["r1"] = b1
	client.remote["stray"] = bs(`{"name":"stray"}`)

	rec, _ := newTestReconciler(store, client)
	res, err := rec.Destroy(context.Background(), []ServiceTarget{target("s1", map[string][]byte{"r1": b1, "stray": bs(`{"name":"stray"}`)})}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	// Both the tracked artifact and the external one observed remotely go.
	assert.ElementsMatch(t, []string{"r1", "stray"}, client.deletes)

	_, ok := store.doc.Artifact("s1", "r1")
	assert.False(t, ok)
}
