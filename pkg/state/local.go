package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// DefaultLocalPath is the state file location relative to the project root.
const DefaultLocalPath = ".logcraft/state.json"

// Local is the file-backed state store. Mutating operations hold an
// exclusive advisory lock on a sibling .lock file for their whole duration;
// readers take a shared lock.
type Local struct {
	path     string
	lockPath string
	logger   zerolog.Logger

	mu    sync.Mutex
	fl    *flock.Flock
	token string
	info  engine.LockInfo
}

// NewLocal creates a local store at path.
func NewLocal(path string, logger zerolog.Logger) *Local {
	return &Local{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger.With().Str("component", "state-local").Logger(),
	}
}

// Load reads the state file under a shared lock. A missing file yields an
// empty document with exists=false.
func (l *Local) Load(ctx context.Context) (*engine.StateDoc, bool, error) {
	l.mu.Lock()
	held := l.fl != nil
	l.mu.Unlock()

	if !held {
		// Without a state directory there is neither a state file nor a lock
		// file to take.
		if _, err := os.Stat(filepath.Dir(l.path)); os.IsNotExist(err) {
			return engine.NewStateDoc(), false, nil
		}

		// Transient shared lock; skipped when this process already holds the
		// exclusive lock (a second descriptor would deadlock against it).
		fl := flock.New(l.lockPath)
		if err := l.acquire(ctx, fl, false); err != nil {
			return nil, false, err
		}
		defer fl.Unlock() //nolint:errcheck
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.NewStateDoc(), false, nil
		}
		return nil, false, engine.NewError(engine.KindStateIO, "unable to read state file", err)
	}

	doc, err := Decode(data)
	if err != nil {
		return nil, false, engine.NewError(engine.KindStateIO, "unable to decode state", err)
	}
	return doc, true, nil
}

// Save writes the document atomically via a temp file rename, incrementing
// the serial and fixing the lineage on first write.
func (l *Local) Save(ctx context.Context, doc *engine.StateDoc) error {
	if doc.Lineage == "" {
		doc.Lineage = uuid.NewString()
	}
	doc.Serial++

	data, err := Encode(doc)
	if err != nil {
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to encode state", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to create state directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".state-*.json")
	if err != nil {
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to write state", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to write state", err)
	}
	if err := tmp.Close(); err != nil {
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to write state", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		doc.Serial--
		return engine.NewError(engine.KindStateIO, "unable to replace state file", err)
	}

	l.logger.Debug().Uint64("serial", doc.Serial).Msg("state saved")
	return nil
}

// Lock takes the exclusive advisory lock. The lock metadata is written into
// the lock file so a competing process can report the holder.
func (l *Local) Lock(ctx context.Context, info engine.LockInfo) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fl != nil {
		return "", engine.Errorf(engine.KindStateLocked, "lock already held by this process")
	}

	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0750); err != nil {
		return "", engine.NewError(engine.KindStateIO, "unable to create state directory", err)
	}

	fl := flock.New(l.lockPath)
	if err := l.acquire(ctx, fl, true); err != nil {
		return "", err
	}

	if data, err := json.Marshal(info); err == nil {
		_ = os.WriteFile(l.lockPath, data, 0640)
	}

	l.fl = fl
	l.token = info.ID
	l.info = info
	return info.ID, nil
}

// Unlock releases the lock identified by token.
func (l *Local) Unlock(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fl == nil {
		return nil
	}
	if token != l.token {
		return engine.Errorf(engine.KindStateLocked, "lock token mismatch: held %q, got %q", l.token, token)
	}

	err := l.fl.Unlock()
	l.fl = nil
	l.token = ""
	_ = os.WriteFile(l.lockPath, nil, 0640)
	if err != nil {
		return engine.NewError(engine.KindStateIO, "unable to release state lock", err)
	}
	return nil
}

// acquire polls the advisory lock until granted or the context ends. A lock
// held elsewhere surfaces as KindStateLocked with the recorded holder.
func (l *Local) acquire(ctx context.Context, fl *flock.Flock, exclusive bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	try := fl.TryRLockContext
	if exclusive {
		try = fl.TryLockContext
	}

	ok, err := try(ctx, 100*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return engine.NewError(engine.KindStateIO, "unable to acquire state lock", err)
	}
	if !ok {
		holder, created := l.readHolder()
		return engine.NewStateLocked(holder, created)
	}
	return nil
}

func (l *Local) readHolder() (string, time.Time) {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return "unknown", time.Time{}
	}
	var info engine.LockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.ID == "" {
		return "unknown", time.Time{}
	}
	created, _ := time.Parse(time.RFC3339, info.Created)
	return info.ID, created
}
