package terminal

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sourcegraph/conc"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/keylock"
	"github.com/nctiggy/nwha/internal/logging"
)

const (
	defaultCols  uint16 = 80
	defaultRows  uint16 = 24
	defaultShell        = "/bin/bash"
	defaultGrace        = 2 * time.Second
	killWait            = 2 * time.Second
	readBufSize         = 32 * 1024
)

// Options configures one interactive process.
type Options struct {
	Dir   string
	Cols  uint16
	Rows  uint16
	Shell string
	Env   []string
}

// OutputFunc receives raw terminal output. The slice is owned by the callee.
type OutputFunc func(data []byte)

// Handle is a live interactive process owned by the registry.
type Handle struct {
	SessionKey string
	PID        int
	CreatedAt  time.Time

	proc      Process
	seq       uint64
	done      chan struct{}
	mu        sync.Mutex
	cols      uint16
	rows      uint16
	destroyed bool
	subs      map[uint64]OutputFunc
	nextSub   uint64
}

// Size returns the current geometry.
func (h *Handle) Size() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Info is a point-in-time description of a live handle.
type Info struct {
	SessionKey string    `json:"session_key"`
	PID        int       `json:"pid"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry owns every live interactive process, keyed by session key.
// Create and Destroy are exclusive per key; different keys proceed in
// parallel. At most one process exists per key.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	seq     uint64

	locks     keylock.Map
	spawner   Spawner
	publisher message.Publisher
	defaults  Options
	grace     time.Duration
	logger    *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaults sets the shell and geometry used when Create options leave them empty.
func WithDefaults(opts Options) Option {
	return func(r *Registry) {
		if opts.Shell != "" {
			r.defaults.Shell = opts.Shell
		}
		if opts.Cols > 0 {
			r.defaults.Cols = opts.Cols
		}
		if opts.Rows > 0 {
			r.defaults.Rows = opts.Rows
		}
		r.defaults.Env = opts.Env
	}
}

// WithGracePeriod sets how long Destroy waits after SIGTERM before SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.grace = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.OrNop(l).WithComponent("terminal")
	}
}

// NewRegistry creates a registry that starts processes with spawner and
// publishes exit notices on publisher. A nil publisher drops notices.
func NewRegistry(spawner Spawner, publisher message.Publisher, opts ...Option) *Registry {
	r := &Registry{
		handles:   make(map[string]*Handle),
		spawner:   spawner,
		publisher: publisher,
		defaults:  Options{Shell: defaultShell, Cols: defaultCols, Rows: defaultRows},
		grace:     defaultGrace,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts an interactive process for key. If one already exists it is
// returned unchanged and no process is spawned.
func (r *Registry) Create(key string, opts Options) (*Handle, error) {
	unlock := r.locks.Lock(key)
	defer unlock()

	if h, ok := r.Get(key); ok {
		return h, nil
	}

	if opts.Shell == "" {
		opts.Shell = r.defaults.Shell
	}
	if opts.Cols == 0 {
		opts.Cols = r.defaults.Cols
	}
	if opts.Rows == 0 {
		opts.Rows = r.defaults.Rows
	}
	env := append(append([]string{}, r.defaults.Env...), opts.Env...)

	proc, err := r.spawner.Spawn(SpawnOptions{
		Shell: opts.Shell,
		Dir:   opts.Dir,
		Env:   env,
		Cols:  opts.Cols,
		Rows:  opts.Rows,
	})
	if err != nil {
		return nil, nwerrors.NewProcessError("failed to spawn "+opts.Shell, errors.Join(nwerrors.ErrProcessSpawn, err)).
			WithSessionKey(key)
	}

	h := &Handle{
		SessionKey: key,
		PID:        proc.PID(),
		CreatedAt:  time.Now(),
		proc:       proc,
		done:       make(chan struct{}),
		cols:       opts.Cols,
		rows:       opts.Rows,
		subs:       make(map[uint64]OutputFunc),
	}

	r.mu.Lock()
	r.seq++
	h.seq = r.seq
	r.handles[key] = h
	r.mu.Unlock()

	go r.pump(h)
	go r.watch(h)

	r.logger.Info("process started",
		"session_key", key,
		"pid", h.PID,
		"dir", opts.Dir,
		"cols", opts.Cols,
		"rows", opts.Rows)

	return h, nil
}

// Get returns the live handle for key.
func (r *Registry) Get(key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok
}

// Write sends data to the process input. Absent keys are a no-op.
func (r *Registry) Write(key string, data []byte) error {
	h, ok := r.Get(key)
	if !ok {
		return nil
	}
	if _, err := h.proc.Write(data); err != nil {
		return nwerrors.NewProcessError("write failed", err).WithSessionKey(key).WithPID(h.PID)
	}
	return nil
}

// Resize changes the terminal geometry. Absent keys are a no-op.
func (r *Registry) Resize(key string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return nwerrors.NewValidationError("terminal size must be positive").
			WithField("size").
			WithValue(fmt.Sprintf("%dx%d", cols, rows))
	}
	h, ok := r.Get(key)
	if !ok {
		return nil
	}
	if err := h.proc.Resize(cols, rows); err != nil {
		return nwerrors.NewProcessError("resize failed", err).WithSessionKey(key).WithPID(h.PID)
	}
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return nil
}

// Subscribe registers fn for raw output of key's process. The returned
// function removes the subscription. ok is false when key has no process.
func (r *Registry) Subscribe(key string, fn OutputFunc) (unsubscribe func(), ok bool) {
	h, ok := r.Get(key)
	if !ok {
		return func() {}, false
	}
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, true
}

// Destroy terminates key's process: SIGHUP and SIGTERM, then SIGKILL once the
// grace period has passed. The entry is always removed and failures are only
// logged. Absent keys are a no-op.
func (r *Registry) Destroy(key string) {
	unlock := r.locks.Lock(key)
	defer unlock()

	r.mu.Lock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()

	log := r.logger.With("session_key", key, "pid", h.PID)

	for _, sig := range []syscall.Signal{syscall.SIGHUP, syscall.SIGTERM} {
		if err := h.proc.Signal(sig); err != nil {
			log.Debug("signal error (may be expected)", "signal", sig.String(), "error", err.Error())
		}
	}

	select {
	case <-h.done:
	case <-time.After(r.grace):
		log.Warn("process ignored SIGTERM, killing", "grace", r.grace.String())
		if err := h.proc.Signal(syscall.SIGKILL); err != nil {
			log.Debug("kill error (may be expected)", "error", err.Error())
		}
		select {
		case <-h.done:
		case <-time.After(killWait):
			log.Error("process did not exit after SIGKILL")
		}
	}

	if err := h.proc.Close(); err != nil {
		log.Debug("close error (may be expected)", "error", err.Error())
	}
	log.Info("process destroyed")
}

// DestroyAll destroys every live process concurrently and waits for all of them.
func (r *Registry) DestroyAll() {
	var wg conc.WaitGroup
	for _, info := range r.ListActive() {
		key := info.SessionKey
		wg.Go(func() { r.Destroy(key) })
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		r.logger.Error("destroy panicked", "panic", rec.String())
	}
}

// ListActive returns a snapshot of live processes in creation order.
func (r *Registry) ListActive() []Info {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].seq < handles[j].seq })

	infos := make([]Info, 0, len(handles))
	for _, h := range handles {
		cols, rows := h.Size()
		infos = append(infos, Info{
			SessionKey: h.SessionKey,
			PID:        h.PID,
			Cols:       cols,
			Rows:       rows,
			CreatedAt:  h.CreatedAt,
		})
	}
	return infos
}

// pump copies process output to subscribers until the terminal closes.
func (r *Registry) pump(h *Handle) {
	buf := make([]byte, readBufSize)
	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			h.mu.Lock()
			subs := make([]OutputFunc, 0, len(h.subs))
			for _, fn := range h.subs {
				subs = append(subs, fn)
			}
			h.mu.Unlock()

			for _, fn := range subs {
				data := make([]byte, n)
				copy(data, buf[:n])
				r.deliver(h, fn, data)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("terminal read ended", "session_key", h.SessionKey, "error", err.Error())
			}
			return
		}
	}
}

func (r *Registry) deliver(h *Handle, fn OutputFunc, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("output subscriber panicked", "session_key", h.SessionKey, "panic", fmt.Sprint(rec))
		}
	}()
	fn(data)
}

// watch waits for the process to exit, removes its entry if it is still the
// registered handle, and publishes an exit notice.
func (r *Registry) watch(h *Handle) {
	code, err := h.proc.Wait()
	close(h.done)

	r.mu.Lock()
	if cur, ok := r.handles[h.SessionKey]; ok && cur == h {
		delete(r.handles, h.SessionKey)
	}
	r.mu.Unlock()

	h.mu.Lock()
	reason := ReasonExited
	if h.destroyed {
		reason = ReasonDestroyed
	}
	h.mu.Unlock()

	if reason == ReasonExited {
		_ = h.proc.Close()
	}

	log := r.logger.With("session_key", h.SessionKey, "pid", h.PID, "reason", reason, "exit_code", code)
	if err != nil {
		log.Debug("wait error", "error", err.Error())
	}
	log.Info("process exited")

	if r.publisher == nil {
		return
	}
	notice := ExitNotice{
		SessionKey: h.SessionKey,
		PID:        h.PID,
		Reason:     reason,
		ExitCode:   code,
		ExitedAt:   time.Now(),
	}
	if err := PublishExit(r.publisher, notice); err != nil {
		log.Error("failed to publish exit notice", "error", err.Error())
	}
}
