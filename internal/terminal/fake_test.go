package terminal

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
)

// fakeProcess is an in-memory Process. Output is fed with emit and the
// process ends when exit is called or when it receives a signal it does
// not ignore.
type fakeProcess struct {
	pid int

	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	input    bytes.Buffer
	signals  []syscall.Signal
	ignore   map[syscall.Signal]bool
	cols     uint16
	rows     uint16
	exited   chan struct{}
	exitOnce sync.Once
	code     int
	closed   bool
}

func newFakeProcess(pid int, cols, rows uint16) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		pid:    pid,
		outR:   r,
		outW:   w,
		ignore: map[syscall.Signal]bool{},
		cols:   cols,
		rows:   rows,
		exited: make(chan struct{}),
	}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("write to closed terminal")
	}
	return p.input.Write(b)
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignored := p.ignore[sig] && sig != syscall.SIGKILL
	p.mu.Unlock()
	if !ignored {
		p.exit(128 + int(sig))
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.outW.Close()
}

func (p *fakeProcess) emit(s string) {
	_, _ = p.outW.Write([]byte(s))
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakeProcess) receivedSignals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *fakeProcess) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// fakeSpawner hands out fakeProcess values with increasing pids.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  atomic.Int32
	spawned  []*fakeProcess
	lastOpts SpawnOptions
	err      error
	ignore   []syscall.Signal
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000+int(s.nextPID.Add(1)), opts.Cols, opts.Rows)
	for _, sig := range s.ignore {
		p.ignore[sig] = true
	}
	s.spawned = append(s.spawned, p)
	s.lastOpts = opts
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[i]
}
