package bucket

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/engine"
)

// nameRe is the bucket-name validation pattern: letters, digits, dot,
// underscore, percent, and hyphen only.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._%\-]+$`)

// Registry is the process-wide name->Handle map. The map itself is
// guarded by mu; engine-module loading is serialized by loadMu so two
// concurrent creates against the same module path never race inside a
// factory.
type Registry struct {
	mu      sync.Mutex
	loadMu  sync.Mutex
	buckets map[string]*Handle

	shuttingDown atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Handle)}
}

// Create validates the name, loads the engine module (serialized by
// loadMu), and inserts the new handle with refcount 1 (registry
// membership). A name still bound to a RUNNING bucket fails with
// ErrBucketExists; a name left behind by a bucket that is mid-teardown or
// already STOPPED is unlinked here and reused immediately, so a
// create-delete-create cycle for the same name never has to wait for the
// asynchronous unlink to catch up.
func (r *Registry) Create(ctx context.Context, name, modulePath, config string, api engine.ServerAPI) (*Handle, error) {
	if name == "" || !nameRe.MatchString(name) {
		return nil, &cmn.ErrInvalidBucketName{Name: name}
	}

	r.mu.Lock()
	if existing, ok := r.buckets[name]; ok {
		if st := existing.State(); st == StateRunning {
			r.mu.Unlock()
			return nil, &cmn.ErrBucketExists{Name: name, State: st.String()}
		}
		delete(r.buckets, name)
	}
	r.mu.Unlock()

	r.loadMu.Lock()
	eh, err := engine.Load(modulePath, api)
	r.loadMu.Unlock()
	if err != nil {
		return nil, cmn.Wrap(err, "load engine module %q", modulePath)
	}
	if err := eh.Engine.Initialize(ctx, config); err != nil {
		_ = eh.Close()
		return nil, cmn.Wrap(err, "initialize engine for bucket %q", name)
	}

	h := newHandle(name, modulePath, eh)

	r.mu.Lock()
	if existing, ok := r.buckets[name]; ok && existing.State() == StateRunning {
		r.mu.Unlock()
		h.RequestStop(true)
		return nil, &cmn.ErrBucketExists{Name: name, State: StateRunning.String()}
	}
	r.buckets[name] = h
	r.mu.Unlock()

	glog.Infof("bucket %q created (module=%s, id=%s)", name, modulePath, h.CreateID)
	return h, nil
}

// Lookup returns the RUNNING handle for name, or nil if absent or not
// RUNNING. A non-RUNNING handle found here is a candidate for teardown;
// since RequestStop already triggers teardown once active-callers drains,
// Lookup does not need to (and must not) start teardown itself — it only
// reports absence.
func (r *Registry) Lookup(name string) *Handle {
	r.mu.Lock()
	h, ok := r.buckets[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if h.State() != StateRunning {
		return nil
	}
	return h
}

// Delete transitions name's bucket from RUNNING to STOP_REQUESTED and
// releases the registry's own membership reference. If selfDetach
// identifies the very connection currently attached to the bucket, the
// caller detaches its own reference first to avoid a self-reference
// cycle that would otherwise keep refcount pinned above zero forever.
func (r *Registry) Delete(name string, force bool, selfDetach func()) error {
	r.mu.Lock()
	h, ok := r.buckets[name]
	r.mu.Unlock()
	if !ok {
		return &cmn.ErrBucketNotFound{Name: name}
	}

	if selfDetach != nil {
		selfDetach()
	}

	alreadyStopping := h.RequestStop(force)
	if alreadyStopping {
		return &cmn.ErrBucketNotFound{Name: name}
	}

	// RequestStop already released the registry's membership reference.
	// Teardown, once it completes, unlinks the map entry itself so a
	// same-named create can succeed afterward.
	r.unlinkWhenStopped(name, h)
	return nil
}

// unlinkWhenStopped removes name from the map once h has reached STOPPED
// and its refcount has dropped to zero (WaitStopped), so the stale entry
// does not linger until a new CREATE_BUCKET for the same name clears it.
func (r *Registry) unlinkWhenStopped(name string, h *Handle) {
	go func() {
		_ = h.WaitStopped(context.Background())
		r.mu.Lock()
		if cur, ok := r.buckets[name]; ok && cur == h {
			delete(r.buckets, name)
		}
		r.mu.Unlock()
	}()
}

// List returns the names of every RUNNING bucket, sorted for stable
// LIST_BUCKETS output.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buckets))
	for name, h := range r.buckets {
		if h.State() == StateRunning {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown sets the shutting-down flag and synchronously destroys every
// surviving handle: no client traffic is expected at this point, so the
// sweep runs destroy directly rather than through the housekeeper,
// joining per-handle failures with errgroup. The flag does not stop a
// teardown task that Delete or Call has already scheduled.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shuttingDown.Store(true)

	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.buckets))
	for _, h := range r.buckets {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.mu.Lock()
			st := h.state
			h.state = StateStopping
			h.mu.Unlock()
			if st == StateStopped || st == StateNull {
				return nil
			}
			if err := h.eng.Engine.Destroy(true); err != nil {
				glog.Errorf("shutdown: bucket %q destroy: %v", h.Name, err)
				return err
			}
			h.mu.Lock()
			h.state = StateStopped
			h.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// ShuttingDown reports whether Shutdown has been called. The teardown
// task and the housekeeper do not read this flag.
func (r *Registry) ShuttingDown() bool { return r.shuttingDown.Load() }
