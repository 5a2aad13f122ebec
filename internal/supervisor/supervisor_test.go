package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tuner/internal/executor"
	"tuner/internal/pipeline"
	"tuner/internal/state"
)

type fakeProc struct {
	pid     int
	command []string
	known   bool
	exit    chan executor.ExitStatus
	runner  *fakeRunner
	terms   atomic.Int32
	kills   atomic.Int32
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Wait(ctx context.Context) (executor.ExitStatus, error) {
	select {
	case st := <-p.exit:
		p.runner.exited(p.pid)
		return st, nil
	case <-ctx.Done():
		return executor.ExitStatus{}, ctx.Err()
	}
}

func (p *fakeProc) Terminate() error {
	p.terms.Add(1)
	if !p.runner.ignoreTerm {
		p.send(executor.ExitStatus{Code: -15, Signal: "SIGTERM", Signaled: true, Terminated: true, Known: p.known})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	p.send(executor.ExitStatus{Code: -9, Signal: "SIGKILL", Signaled: true, Terminated: true, Known: p.known})
	return nil
}

func (p *fakeProc) send(st executor.ExitStatus) {
	select {
	case p.exit <- st:
	default:
	}
}

func (p *fakeProc) succeed()       { p.send(executor.ExitStatus{Known: true}) }
func (p *fakeProc) fail(code int)  { p.send(executor.ExitStatus{Code: code, Known: true}) }
func (p *fakeProc) module() string { return p.command[2] }

// fakeRunner hands out processes that exit only when the test says so.
type fakeRunner struct {
	ignoreTerm bool
	startErr   map[string]error

	mu        sync.Mutex
	nextPid   int
	active    int
	maxActive int
	starts    int
	alive     map[int]bool
	procs     chan *fakeProc
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		nextPid: 1000,
		alive:   make(map[int]bool),
		procs:   make(chan *fakeProc, 16),
	}
}

func (r *fakeRunner) Start(command []string, _ string) (executor.Process, error) {
	if err, ok := r.startErr[command[2]]; ok {
		return nil, &executor.SpawnError{Command: command, Err: err}
	}
	r.mu.Lock()
	r.nextPid++
	r.starts++
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	p := &fakeProc{pid: r.nextPid, command: command, known: true, exit: make(chan executor.ExitStatus, 1), runner: r}
	r.alive[p.pid] = true
	r.mu.Unlock()
	r.procs <- p
	return p, nil
}

func (r *fakeRunner) Attach(pid int) (executor.Process, error) {
	r.mu.Lock()
	if !r.alive[pid] {
		r.mu.Unlock()
		return nil, executor.ErrProcessGone
	}
	r.active++
	p := &fakeProc{pid: pid, command: []string{"", "", "attached"}, exit: make(chan executor.ExitStatus, 1), runner: r}
	r.mu.Unlock()
	r.procs <- p
	return p, nil
}

func (r *fakeRunner) Alive(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[pid]
}

func (r *fakeRunner) exited(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	r.alive[pid] = false
}

func (r *fakeRunner) counts() (starts, maxActive int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.maxActive
}

func (r *fakeRunner) next(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-r.procs:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a process to start")
		return nil
	}
}

func (r *fakeRunner) expectNone(t *testing.T) {
	t.Helper()
	select {
	case p := <-r.procs:
		t.Fatalf("unexpected process started: %v", p.command)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	sup    *Supervisor
	runner *fakeRunner
	store  *state.FileStore
	dir    string
}

func newHarness(t *testing.T, runner *fakeRunner, opts ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{runner: runner, store: state.NewFileStore(filepath.Join(dir, state.DefaultFile)), dir: dir}
	o := Options{
		Runner:       runner,
		Store:        h.store,
		Builder:      pipeline.NewBuilder("python3", pipeline.Credentials{Endpoint: "minio:9000", Bucket: "data"}),
		Logger:       log.New(io.Discard, "", 0),
		LogPath:      filepath.Join(dir, DefaultLogFile),
		PollInterval: 5 * time.Millisecond,
		StopGrace:    time.Minute,
	}
	for _, f := range opts {
		f(&o)
	}
	sup, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	h.sup = sup
	return h
}

func (h *harness) record(t *testing.T) state.Record {
	t.Helper()
	h.sup.flush()
	rec, ok, err := h.store.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("load record: ok=%v err=%v", ok, err)
	}
	return rec
}

func waitForStatus(t *testing.T, sup *Supervisor, want Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := sup.Status()
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s (logs: %v)", snap.Status, want, snap.Logs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func indexOf(lines []string, want string) int {
	for i, l := range lines {
		if l == want {
			return i
		}
	}
	return -1
}

func TestTrainingOnlyCompletes(t *testing.T) {
	h := newHarness(t, newFakeRunner())

	runID, err := h.sup.Start(context.Background(), pipeline.Config{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runID == "" {
		t.Error("empty run id")
	}

	p := h.runner.next(t)
	if p.module() != "backend.scripts.train_lora" {
		t.Fatalf("first step runs %s", p.module())
	}
	p.succeed()

	snap := waitForStatus(t, h.sup, StatusCompleted)
	if snap.CurrentTask != nil || snap.CurrentStepIndex != nil {
		t.Errorf("terminal snapshot exposes current task: %+v", snap)
	}
	if snap.TotalSteps != 1 || snap.RunID != runID {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if indexOf(snap.Logs, "[SYSTEM] All tasks finished successfully.") < 0 {
		t.Errorf("completion line missing: %v", snap.Logs)
	}

	rec := h.record(t)
	if rec.Status != "completed" || rec.PID != nil || len(rec.Queue) != 0 || rec.CurrentTask != "" {
		t.Errorf("record is not neutral: %+v", rec)
	}
}

func TestMissingRepoFailsBeforeSpawn(t *testing.T) {
	h := newHarness(t, newFakeRunner())

	_, err := h.sup.Start(context.Background(), pipeline.Config{DoUpload: true})
	var cerr *pipeline.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
	}
	h.runner.expectNone(t)
	if got := h.sup.Status().Status; got != StatusIdle {
		t.Errorf("status = %s, want idle", got)
	}
	if _, ok, _ := h.store.Load(context.Background()); ok {
		t.Error("a failed Start must not persist anything")
	}
}

func TestStepFailureClearsQueue(t *testing.T) {
	h := newHarness(t, newFakeRunner())

	if _, err := h.sup.Start(context.Background(), pipeline.Config{DoMerge: true, DoConvert: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.runner.next(t).succeed()
	merge := h.runner.next(t)
	if merge.module() != "backend.scripts.merge_lora" {
		t.Fatalf("second step runs %s", merge.module())
	}
	merge.fail(1)

	snap := waitForStatus(t, h.sup, StatusError)
	h.runner.expectNone(t)
	if !strings.Contains(snap.Error, "Merging") || !strings.Contains(snap.Error, "return code 1") {
		t.Errorf("error = %q", snap.Error)
	}
	if indexOf(snap.Logs, "[SYSTEM] Task 'Merging' failed with return code 1.") < 0 {
		t.Errorf("failure line missing: %v", snap.Logs)
	}
	rec := h.record(t)
	if rec.Status != "error" || len(rec.Queue) != 0 || rec.PID != nil {
		t.Errorf("record = %+v", rec)
	}
	if starts, _ := h.runner.counts(); starts != 2 {
		t.Errorf("started %d processes, want 2", starts)
	}
}

func TestSpawnFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.startErr = map[string]error{"backend.scripts.train_lora": os.ErrPermission}
	h := newHarness(t, runner)

	if _, err := h.sup.Start(context.Background(), pipeline.Config{DoMerge: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForStatus(t, h.sup, StatusError)
	if !strings.Contains(snap.Error, "failed to start") {
		t.Errorf("error = %q", snap.Error)
	}
	if rec := h.record(t); len(rec.Queue) != 0 {
		t.Errorf("queue not cleared: %+v", rec.Queue)
	}
}

func TestAtMostOneActiveJob(t *testing.T) {
	h := newHarness(t, newFakeRunner())
	ctx := context.Background()

	if _, err := h.sup.Start(ctx, pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.runner.next(t)

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sup.Start(ctx, pipeline.Config{}); errors.Is(err, ErrAlreadyRunning) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	if rejected.Load() != 8 {
		t.Errorf("%d of 8 concurrent starts rejected", rejected.Load())
	}
	h.runner.expectNone(t)

	p.succeed()
	waitForStatus(t, h.sup, StatusCompleted)
	if _, err := h.sup.Start(ctx, pipeline.Config{}); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	h.runner.next(t).succeed()
	waitForStatus(t, h.sup, StatusCompleted)
}

func TestStepsRunSequentially(t *testing.T) {
	h := newHarness(t, newFakeRunner())
	cfg := pipeline.Config{DoMerge: true, DoConvert: true, DoUpload: true, HFRepoID: "me/model"}

	if _, err := h.sup.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var modules []string
	for i := 0; i < 4; i++ {
		p := h.runner.next(t)
		modules = append(modules, p.module())
		h.runner.expectNone(t)
		p.succeed()
	}
	waitForStatus(t, h.sup, StatusCompleted)

	want := []string{"backend.scripts.train_lora", "backend.scripts.merge_lora", "backend.scripts.convert_ct2", "backend.scripts.upload_hf"}
	if fmt.Sprint(modules) != fmt.Sprint(want) {
		t.Errorf("ran %v, want %v", modules, want)
	}
	if _, maxActive := h.runner.counts(); maxActive != 1 {
		t.Errorf("%d processes overlapped", maxActive)
	}
}

func TestPidPersistedWhileRunning(t *testing.T) {
	h := newHarness(t, newFakeRunner())

	if _, err := h.sup.Start(context.Background(), pipeline.Config{DoMerge: true, DoConvert: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.runner.next(t).succeed()
	p := h.runner.next(t)

	deadline := time.Now().Add(5 * time.Second)
	var rec state.Record
	for {
		rec = h.record(t)
		if rec.PID != nil && *rec.PID == p.pid {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record never carried pid %d: %+v", p.pid, rec)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Status != "running" || rec.CurrentTask != "Merging" || rec.StepIndex != 1 {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Queue) != 1 || rec.Queue[0].Name != "Converting" {
		t.Errorf("queue = %+v", rec.Queue)
	}

	snap := h.sup.Status()
	if snap.CurrentTask == nil || *snap.CurrentTask != "Merging" {
		t.Errorf("current task = %v", snap.CurrentTask)
	}
	if snap.CurrentStepIndex == nil || *snap.CurrentStepIndex != 1 || snap.TotalSteps != 3 {
		t.Errorf("index = %v total = %d", snap.CurrentStepIndex, snap.TotalSteps)
	}
	if snap.PID == nil || *snap.PID != p.pid {
		t.Errorf("pid = %v", snap.PID)
	}
	p.succeed()
	h.runner.next(t).succeed()
	waitForStatus(t, h.sup, StatusCompleted)
}

func TestStopCancelsQueue(t *testing.T) {
	h := newHarness(t, newFakeRunner())
	ctx := context.Background()

	if _, err := h.sup.Start(ctx, pipeline.Config{DoMerge: true, DoConvert: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.runner.next(t)
	if err := h.sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap := waitForStatus(t, h.sup, StatusStopped)
	h.runner.expectNone(t)
	if p.terms.Load() != 1 {
		t.Errorf("SIGTERM sent %d times", p.terms.Load())
	}
	if indexOf(snap.Logs, "[SYSTEM] Task 'Training' stopped by user.") < 0 {
		t.Errorf("stop line missing: %v", snap.Logs)
	}
	if snap.Error != "" {
		t.Errorf("a user stop is not an error: %q", snap.Error)
	}
	rec := h.record(t)
	if rec.Status != "stopped" || len(rec.Queue) != 0 || rec.PID != nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestStopIgnoredExitStillStops(t *testing.T) {
	// A step that exits 0 after a stop request must not advance the queue.
	runner := newFakeRunner()
	runner.ignoreTerm = true
	h := newHarness(t, runner)
	ctx := context.Background()

	if _, err := h.sup.Start(ctx, pipeline.Config{DoMerge: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.runner.next(t)
	_ = h.sup.Stop(ctx)
	if got := h.sup.Status().Status; got != StatusStopping {
		t.Fatalf("status = %s, want stopping", got)
	}
	if rec := h.record(t); rec.Status != "stopping" || rec.PID == nil {
		t.Errorf("stopping record = %+v", rec)
	}
	p.succeed()
	waitForStatus(t, h.sup, StatusStopped)
	h.runner.expectNone(t)
}

func TestStopEscalatesToKill(t *testing.T) {
	runner := newFakeRunner()
	runner.ignoreTerm = true
	h := newHarness(t, runner, func(o *Options) { o.StopGrace = 20 * time.Millisecond })
	ctx := context.Background()

	if _, err := h.sup.Start(ctx, pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.runner.next(t)
	_ = h.sup.Stop(ctx)
	waitForStatus(t, h.sup, StatusStopped)
	if p.kills.Load() != 1 {
		t.Errorf("SIGKILL sent %d times", p.kills.Load())
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, newFakeRunner())
	if err := h.sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap := h.sup.Status()
	if snap.Status != StatusIdle {
		t.Errorf("status = %s", snap.Status)
	}
	if indexOf(snap.Logs, "[SYSTEM] No running pipeline to stop.") < 0 {
		t.Errorf("logs = %v", snap.Logs)
	}
}

func TestStepOutputPrecedesSystemLine(t *testing.T) {
	h := newHarness(t, newFakeRunner())
	if _, err := h.sup.Start(context.Background(), pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.runner.next(t)

	f, err := os.OpenFile(filepath.Join(h.dir, DefaultLogFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(f, "step %d loss 0.%d\n", i, 9-i)
	}
	f.Close()
	p.succeed()

	snap := waitForStatus(t, h.sup, StatusCompleted)
	last := indexOf(snap.Logs, "step 2 loss 0.7")
	done := indexOf(snap.Logs, "[SYSTEM] Task 'Training' finished successfully.")
	if last < 0 || done < 0 || last > done {
		t.Errorf("output not flushed before exit line: %v", snap.Logs)
	}
	if first := indexOf(snap.Logs, "step 0 loss 0.9"); first > last {
		t.Errorf("lines out of order: %v", snap.Logs)
	}
}

func TestStatusLogsAreBounded(t *testing.T) {
	h := newHarness(t, newFakeRunner(), func(o *Options) { o.LogCapacity = 10 })
	if _, err := h.sup.Start(context.Background(), pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := h.runner.next(t)
	f, err := os.OpenFile(filepath.Join(h.dir, DefaultLogFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	for i := 0; i < 50; i++ {
		fmt.Fprintf(f, "line %d\n", i)
	}
	f.Close()
	p.succeed()

	snap := waitForStatus(t, h.sup, StatusCompleted)
	if len(snap.Logs) != 10 {
		t.Errorf("kept %d lines, want 10", len(snap.Logs))
	}
	if snap.LogTotal <= 50 {
		t.Errorf("log total = %d", snap.LogTotal)
	}
}

// gatedStore blocks every Save until release is closed.
type gatedStore struct {
	state.Store
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, rec state.Record) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Store.Save(ctx, rec)
}

func TestStatusDoesNotWaitForSlowStore(t *testing.T) {
	runner := newFakeRunner()
	gate := &gatedStore{release: make(chan struct{})}
	h := newHarness(t, runner, func(o *Options) {
		gate.Store = o.Store
		o.Store = gate
	})
	ctx := context.Background()

	begin := time.Now()
	if _, err := h.sup.Start(ctx, pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := runner.next(t)
	for i := 0; i < 20; i++ {
		callStart := time.Now()
		if got := h.sup.Status().Status; got != StatusRunning {
			t.Fatalf("status = %s, want running", got)
		}
		if d := time.Since(callStart); d > 200*time.Millisecond {
			t.Fatalf("Status() took %s while a save was blocked", d)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d := time.Since(begin); d > 2*time.Second {
		t.Fatalf("Start and Status took %s while saves were blocked", d)
	}

	close(gate.release)
	p.succeed()
	waitForStatus(t, h.sup, StatusCompleted)
	if rec := h.record(t); rec.Status != "completed" {
		t.Errorf("record = %+v", rec)
	}
}

type failingStore struct {
	state.Store
	fails atomic.Int32
}

func (f *failingStore) Save(context.Context, state.Record) error {
	f.fails.Add(1)
	return errors.New("disk full")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSaveFailureIsSwallowed(t *testing.T) {
	runner := newFakeRunner()
	broken := &failingStore{}
	var logs syncBuffer
	h := newHarness(t, runner, func(o *Options) {
		broken.Store = o.Store
		o.Store = broken
		o.Logger = log.New(&logs, "", 0)
	})
	ctx := context.Background()

	if _, err := h.sup.Start(ctx, pipeline.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	runner.next(t).succeed()
	waitForStatus(t, h.sup, StatusCompleted)

	if _, err := h.sup.Start(ctx, pipeline.Config{DoMerge: true}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	runner.next(t)
	if err := h.sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForStatus(t, h.sup, StatusStopped)
	runner.expectNone(t)

	h.sup.flush()
	if broken.fails.Load() == 0 {
		t.Fatal("store was never asked to save")
	}
	if !strings.Contains(logs.String(), "Failed to save state: disk full") {
		t.Errorf("save failure not logged: %q", logs.String())
	}
	if _, ok, _ := h.store.Load(ctx); ok {
		t.Error("nothing should have reached the underlying store")
	}
}
