package updater

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/gate"
	"bmc-flashd/internal/image"
	"bmc-flashd/internal/store"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, call)
}

func (j *journal) recorded() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = nil
}

// index returns the position of call, or -1.
func (j *journal) index(call string) int {
	return slices.Index(j.recorded(), call)
}

func (j *journal) has(prefix string) bool {
	return slices.ContainsFunc(j.recorded(), func(c string) bool { return strings.HasPrefix(c, prefix) })
}

type fakeHelper struct{ j *journal }

func (h fakeHelper) SetBootTarget(_ context.Context, id string) error {
	h.j.add("boot:" + id)
	return nil
}

func (h fakeHelper) SetEntry(_ context.Context, id string, p uint8) error {
	h.j.add("entry:" + id + "=" + strconv.Itoa(int(p)))
	return nil
}

func (h fakeHelper) ClearEntry(_ context.Context, id string) error {
	h.j.add("clear:" + id)
	return nil
}

func (h fakeHelper) RemoveVersion(_ context.Context, id string) error {
	h.j.add("remove:" + id)
	return nil
}

func (h fakeHelper) MirrorAlt(context.Context) error {
	h.j.add("mirror")
	return nil
}

func (h fakeHelper) Cleanup(context.Context) error {
	h.j.add("cleanup")
	return nil
}

func (h fakeHelper) FactoryReset(context.Context) error {
	h.j.add("reset")
	return nil
}

type memStore struct {
	mu         sync.Mutex
	priorities map[string]uint8
	purposes   map[string]firmware.Purpose
}

func newMemStore() *memStore {
	return &memStore{priorities: map[string]uint8{}, purposes: map[string]firmware.Purpose{}}
}

func (s *memStore) SavePriority(_ context.Context, id string, p uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorities[id] = p
	return nil
}

func (s *memStore) RestorePriority(_ context.Context, id string) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.priorities[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	return p, nil
}

func (s *memStore) SavePurpose(_ context.Context, id string, p firmware.Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purposes[id] = p
	return nil
}

func (s *memStore) RestorePurpose(_ context.Context, id string) (firmware.Purpose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purposes[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return p, nil
}

func (s *memStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.priorities, id)
	delete(s.purposes, id)
	return nil
}

func (s *memStore) TryLock(context.Context, string) (bool, error) { return true, nil }
func (s *memStore) ReleaseLock(context.Context, string) error     { return nil }
func (s *memStore) Close() error                                  { return nil }

type fakeWriter struct {
	j    *journal
	sync bool
}

func (w *fakeWriter) Begin(_ context.Context, v *firmware.Version) (activation.Begun, error) {
	w.j.add("write:" + v.ID)
	return activation.Begun{Sync: w.sync}, nil
}

type fakeUnits struct{ j *journal }

func (u fakeUnits) StartUnit(_ context.Context, name string) error {
	u.j.add("start:" + name)
	return nil
}

func (u fakeUnits) StopUnit(_ context.Context, name string) error {
	u.j.add("stop:" + name)
	return nil
}

func (u fakeUnits) MaskUnitFiles(_ context.Context, names ...string) error {
	u.j.add("mask:" + strings.Join(names, ","))
	return nil
}

type fixture struct {
	t       *testing.T
	j       *journal
	store   *memStore
	media   string
	upload  string
	release string
	primary *fakeWriter
	loop    *Loop
	reg     *Registry
}

func newFixture(t *testing.T, maxAllowed int, running string) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		j:       &journal{},
		store:   newMemStore(),
		media:   t.TempDir(),
		upload:  t.TempDir(),
		release: filepath.Join(t.TempDir(), "os-release"),
	}
	require.NoError(t, os.WriteFile(f.release, []byte("VERSION_ID=\""+running+"\"\n"), 0o644))
	f.primary = &fakeWriter{j: f.j, sync: true}
	f.loop = NewLoop(quietLogger(), 16)

	g, err := gate.New(quietLogger(), "", "")
	require.NoError(t, err)

	f.reg, err = New(Config{
		MaxAllowed:  maxAllowed,
		MediaDir:    f.media,
		UploadDir:   f.upload,
		ReleasePath: f.release,
		Required:    image.DefaultRequired(),
	}, Deps{
		Logger:  quietLogger(),
		Loop:    f.loop,
		Store:   f.store,
		Helper:  fakeHelper{j: f.j},
		Gate:    g,
		Primary: f.primary,
		Units:   fakeUnits{j: f.j},
	})
	require.NoError(t, err)
	return f
}

// install mounts a read-only volume for version with a persisted priority.
func (f *fixture) install(version string, priority int) string {
	f.t.Helper()
	id := firmware.ID(version)
	path := filepath.Join(f.media, image.RofsPrefix+id, f.release)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte("VERSION_ID="+version+"\n"), 0o644))
	if priority >= 0 {
		f.store.priorities[id] = uint8(priority)
	}
	return id
}

// upload unpacks a BMC image for version into the upload directory.
func (f *fixture) uploadImage(version string) firmware.Record {
	f.t.Helper()
	id := firmware.ID(version)
	dir := filepath.Join(f.upload, id)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "image-bmc"), []byte(version), 0o644))
	return firmware.Record{ID: id, Version: version, Purpose: firmware.PurposeBMC, Location: dir}
}

// runPosted runs the oldest posted operation the way the loop would.
func (f *fixture) runPosted(ctx context.Context) {
	f.t.Helper()
	select {
	case fn := <-f.loop.ops:
		f.loop.step(ctx, fn)
	default:
		f.t.Fatal("nothing posted")
	}
}

func (f *fixture) state(id string) activation.StateName {
	f.t.Helper()
	in, err := f.reg.Get(id)
	require.NoError(f.t, err)
	return in.State
}

func (f *fixture) priority(id string) uint8 {
	f.t.Helper()
	e, ok := f.reg.Ledger().Entry(id)
	require.True(f.t, ok, "no priority for %s", id)
	return e.Priority()
}

func TestProcessInstalled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	running := f.install("2.0.0", -1)
	older := f.install("1.0.0", 1)
	require.NoError(t, os.MkdirAll(filepath.Join(f.media, "rofs-deadbeef"), 0o755))
	f.store.purposes[older] = firmware.PurposeSystem

	require.NoError(t, f.reg.ProcessInstalled(ctx))

	list := f.reg.List()
	require.Len(t, list, 2)
	byID := map[string]Info{}
	for _, in := range list {
		byID[in.ID] = in
	}

	assert.True(t, byID[running].Functional)
	assert.Equal(t, activation.StateActive, byID[running].State)
	assert.Equal(t, uint8(0), *byID[running].Priority)
	assert.Equal(t, firmware.PurposeBMC, byID[running].Purpose)

	assert.False(t, byID[older].Functional)
	assert.Equal(t, uint8(1), *byID[older].Priority)
	assert.Equal(t, firmware.PurposeSystem, byID[older].Purpose)

	assert.Equal(t, running, f.reg.Ledger().Target())
	assert.NotEqual(t, -1, f.j.index("remove:deadbeef"), "corrupt volume should be purged")
	assert.Equal(t, "mirror", f.j.recorded()[len(f.j.recorded())-1])
	assert.False(t, f.j.has("boot:"), "startup must not rewrite the boot pointer")

	assert.Contains(t, f.reg.Associations(), Association{Kind: AssocFunctional, ID: running})
	assert.NotContains(t, f.reg.Associations(), Association{Kind: AssocFunctional, ID: older})
}

func TestProcessInstalledSeedsRunningVersion(t *testing.T) {
	f := newFixture(t, 2, "2.0.0")
	require.NoError(t, f.reg.ProcessInstalled(context.Background()))

	list := f.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, firmware.ID("2.0.0"), list[0].ID)
	assert.True(t, list[0].Functional)
	assert.Equal(t, uint8(0), *list[0].Priority)
}

func TestCreateActivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")

	rec := f.uploadImage("3.0.0")
	id, created := f.reg.CreateActivation(ctx, rec)
	assert.True(t, created)
	assert.Equal(t, activation.StateReady, f.state(id))

	_, created = f.reg.CreateActivation(ctx, rec)
	assert.False(t, created, "duplicate ids are ignored")

	incomplete := f.uploadImage("3.1.0")
	require.NoError(t, os.Remove(filepath.Join(incomplete.Location, "image-bmc")))
	id, created = f.reg.CreateActivation(ctx, incomplete)
	assert.True(t, created)
	assert.Equal(t, activation.StateInvalid, f.state(id))

	host := firmware.Record{ID: "11112222", Version: "host-1", Purpose: firmware.PurposeHost, Location: filepath.Join(f.upload, "11112222")}
	id, created = f.reg.CreateActivation(ctx, host)
	assert.True(t, created)
	assert.Equal(t, activation.StateReady, f.state(id), "host images skip the file check")

	for _, bad := range []firmware.Record{
		{ID: "a", Purpose: firmware.PurposeBMC, Location: "/tmp/images/a"},
		{ID: "b", Version: "1", Purpose: firmware.PurposeBMC},
		{ID: "c", Version: "1", Purpose: firmware.PurposeUnknown, Location: "/tmp/images/c"},
	} {
		_, created := f.reg.CreateActivation(ctx, bad)
		assert.False(t, created, bad.ID)
	}
	assert.Len(t, f.reg.List(), 3)
}

func TestActivateEvictsAndRepoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	running := f.install("2.0.0", 0)
	older := f.install("1.0.0", 1)
	require.NoError(t, f.reg.ProcessInstalled(ctx))

	rec := f.uploadImage("3.0.0")
	id, _ := f.reg.CreateActivation(ctx, rec)
	f.j.reset()

	require.NoError(t, f.reg.RequestActivation(ctx, id))

	assert.Equal(t, activation.StateActive, f.state(id))
	assert.Equal(t, uint8(0), f.priority(id))
	assert.Equal(t, uint8(1), f.priority(running))
	assert.Equal(t, id, f.reg.Ledger().Target())

	_, err := f.reg.Get(older)
	assert.ErrorIs(t, err, firmware.ErrUnknownVersion)
	assert.Less(t, f.j.index("remove:"+older), f.j.index("write:"+id), "eviction runs before the write")
	assert.Less(t, f.j.index("write:"+id), f.j.index("boot:"+id))

	_, err = os.Stat(rec.Location)
	assert.True(t, os.IsNotExist(err), "uploaded image is removed after activation")
	assert.Contains(t, f.reg.Associations(), Association{Kind: AssocActive, ID: id})
	assert.Contains(t, f.reg.Associations(), Association{Kind: AssocUpdateable, ID: id})

	purpose, err := f.store.RestorePurpose(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, firmware.PurposeBMC, purpose)
}

func TestEraseRepointsBeforeRemovingStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, "2.0.0")
	running := f.install("2.0.0", 1)
	preferred := f.install("1.0.0", 0)
	require.NoError(t, f.reg.ProcessInstalled(ctx))
	require.Equal(t, preferred, f.reg.Ledger().Target())
	f.j.reset()

	require.NoError(t, f.reg.Erase(ctx, preferred))

	want := []string{
		"boot:" + running,
		"remove:" + preferred,
		"clear:" + preferred,
	}
	if diff := cmp.Diff(want, f.j.recorded()); diff != "" {
		t.Errorf("erase order mismatch (-want +got):\n%s", diff)
	}
	_, ok := f.store.priorities[preferred]
	assert.False(t, ok, "persisted priority is removed")
	assert.NotContains(t, f.reg.Associations(), Association{Kind: AssocActive, ID: preferred})
}

type journalGuards struct{ j *journal }

func (g journalGuards) Acquire(context.Context) (activation.Guard, error) {
	g.j.add("guard:on")
	return journalGuard(g), nil
}

type journalGuard struct{ j *journal }

func (g journalGuard) Release(context.Context) error {
	g.j.add("guard:off")
	return nil
}

type journalSubscriber struct{ j *journal }

func (s journalSubscriber) Subscribe(context.Context) error {
	s.j.add("subscribe")
	return nil
}

func (s journalSubscriber) Unsubscribe(context.Context) error {
	s.j.add("unsubscribe")
	return nil
}

type journalCanceller struct{ j *journal }

func (c journalCanceller) Cancel(_ context.Context, id string) {
	c.j.add("cancel:" + id)
}

func TestEraseWhileActivating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	f.primary.sync = false
	running := f.install("2.0.0", 0)
	require.NoError(t, f.reg.ProcessInstalled(ctx))
	f.reg.machines.Guards = journalGuards{j: f.j}
	f.reg.machines.Notifications = journalSubscriber{j: f.j}
	f.reg.deps.Cancellers = []Canceller{journalCanceller{j: f.j}}

	id, _ := f.reg.CreateActivation(ctx, f.uploadImage("3.0.0"))
	require.NoError(t, f.reg.RequestActivation(ctx, id))
	require.Equal(t, activation.StateActivating, f.state(id))
	require.True(t, f.j.has("guard:on"))
	require.True(t, f.j.has("subscribe"))
	f.j.reset()

	require.NoError(t, f.reg.Erase(ctx, id))

	// The version held no priority, so the boot target stays on the running
	// version and the repoint before storage removal writes nothing.
	want := []string{
		"unsubscribe",
		"guard:off",
		"cancel:" + id,
		"remove:" + id,
		"clear:" + id,
	}
	if diff := cmp.Diff(want, f.j.recorded()); diff != "" {
		t.Errorf("erase order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, running, f.reg.Ledger().Target())
	_, err := f.reg.Get(id)
	assert.ErrorIs(t, err, firmware.ErrUnknownVersion)

	// A completion from the cancelled write arrives after the erase.
	f.j.reset()
	f.reg.Complete(id, nil)
	f.runPosted(ctx)
	assert.Empty(t, f.j.recorded())
	_, err = f.reg.Get(id)
	assert.ErrorIs(t, err, firmware.ErrUnknownVersion)
	_, ok := f.reg.Ledger().Entry(id)
	assert.False(t, ok)
	assert.Len(t, f.reg.List(), 1)
}

func TestEraseReadyVersionKeepsBootTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	f.install("2.0.0", 0)
	require.NoError(t, f.reg.ProcessInstalled(ctx))

	rec := f.uploadImage("3.0.0")
	id, _ := f.reg.CreateActivation(ctx, rec)
	f.j.reset()

	require.NoError(t, f.reg.Erase(ctx, id))
	assert.False(t, f.j.has("boot:"), "no change to the minimum, no repoint")
	assert.NotEqual(t, -1, f.j.index("remove:"+id))
	_, err := os.Stat(rec.Location)
	assert.True(t, os.IsNotExist(err))
}

func TestEraseRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	running := f.install("2.0.0", 0)
	require.NoError(t, f.reg.ProcessInstalled(ctx))

	err := f.reg.Erase(ctx, running)
	assert.Equal(t, firmware.KindDeleteRefused, firmware.KindOf(err))
	assert.Equal(t, activation.StateActive, f.state(running))

	err = f.reg.Erase(ctx, "unknown")
	assert.Equal(t, firmware.KindDeleteRefused, firmware.KindOf(err))
}

func TestEraseFunctionalWithSingleSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, "2.0.0")
	running := f.install("2.0.0", 0)
	require.NoError(t, f.reg.ProcessInstalled(ctx))

	require.NoError(t, f.reg.Erase(ctx, running))
	assert.Empty(t, f.reg.List())
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, "2.0.0")
	running := f.install("2.0.0", 0)
	a := f.install("1.0.0", 1)
	b := f.install("1.5.0", 2)
	require.NoError(t, f.reg.ProcessInstalled(ctx))
	f.j.reset()

	require.NoError(t, f.reg.DeleteAll(ctx))

	list := f.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, running, list[0].ID)
	assert.NotEqual(t, -1, f.j.index("remove:"+a))
	assert.NotEqual(t, -1, f.j.index("remove:"+b))
	assert.Equal(t, "cleanup", f.j.recorded()[len(f.j.recorded())-1])
}

func TestSetPriorityCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, "2.0.0")
	a := f.install("2.0.0", 0)
	b := f.install("1.0.0", 1)
	c := f.install("1.5.0", 1)
	require.NoError(t, f.reg.ProcessInstalled(ctx))
	f.j.reset()

	require.NoError(t, f.reg.SetPriority(ctx, c, 1))

	assert.Equal(t, uint8(0), f.priority(a))
	assert.Equal(t, uint8(1), f.priority(c))
	assert.Equal(t, uint8(2), f.priority(b))
	assert.Equal(t, a, f.reg.Ledger().Target())
	assert.Equal(t, uint8(2), f.store.priorities[b])
	assert.NotEqual(t, -1, f.j.index("entry:"+b+"=2"))

	rec := f.uploadImage("3.0.0")
	id, _ := f.reg.CreateActivation(ctx, rec)
	assert.ErrorIs(t, f.reg.SetPriority(ctx, id, 0), firmware.ErrNoPriority)
	assert.ErrorIs(t, f.reg.SetPriority(ctx, "missing", 0), firmware.ErrUnknownVersion)
}

func TestRequestActivationOfInvalidVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	rec := f.uploadImage("3.0.0")
	require.NoError(t, os.Remove(filepath.Join(rec.Location, "image-bmc")))
	id, _ := f.reg.CreateActivation(ctx, rec)

	assert.ErrorIs(t, f.reg.RequestActivation(ctx, id), firmware.ErrNotAllowed)
	assert.ErrorIs(t, f.reg.RequestActivation(ctx, "missing"), firmware.ErrUnknownVersion)
}

func TestFieldModeIsOneWay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")

	require.NoError(t, f.reg.SetFieldMode(ctx, false))
	assert.False(t, f.reg.FieldMode())

	require.NoError(t, f.reg.SetFieldMode(ctx, true))
	assert.True(t, f.reg.FieldMode())
	assert.Equal(t, []string{
		"start:" + fieldModeUnit,
		"stop:" + usrLocalMount,
		"mask:" + usrLocalMount,
	}, f.j.recorded())

	assert.ErrorIs(t, f.reg.SetFieldMode(ctx, false), firmware.ErrNotAllowed)
	require.NoError(t, f.reg.SetFieldMode(ctx, true))
	assert.Len(t, f.j.recorded(), 3)
}

func TestRestoreFieldMode(t *testing.T) {
	f := newFixture(t, 2, "2.0.0")
	env := filepath.Join(t.TempDir(), "u-boot-env")
	require.NoError(t, os.WriteFile(env, []byte("bootcmd=run x\x00fieldmode=true\x00"), 0o644))
	f.reg.cfg.FieldModeEnvPath = env

	f.reg.RestoreFieldMode(context.Background())
	assert.True(t, f.reg.FieldMode())
}

func TestAsyncCompletionRunsOnLoop(t *testing.T) {
	f := newFixture(t, 2, "2.0.0")
	f.primary.sync = false
	f.install("2.0.0", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	rec := f.uploadImage("3.0.0")
	var id string
	require.NoError(t, f.loop.Do(ctx, func(ctx context.Context) error {
		if err := f.reg.ProcessInstalled(ctx); err != nil {
			return err
		}
		id, _ = f.reg.CreateActivation(ctx, rec)
		return f.reg.RequestActivation(ctx, id)
	}))

	stateOf := func() Info {
		var in Info
		require.NoError(t, f.loop.Do(ctx, func(context.Context) error {
			var err error
			in, err = f.reg.Get(id)
			return err
		}))
		return in
	}
	in := stateOf()
	assert.Equal(t, activation.StateActivating, in.State)
	require.NotNil(t, in.Progress)
	assert.Equal(t, uint8(10), *in.Progress)

	f.reg.Progress(id, 90)
	assert.Equal(t, uint8(90), *stateOf().Progress)

	f.reg.Complete(id, nil)
	assert.Eventually(t, func() bool { return stateOf().State == activation.StateActive }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint8(0), *stateOf().Priority)
}

func TestAsyncFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	f.primary.sync = false

	id, _ := f.reg.CreateActivation(ctx, f.uploadImage("3.0.0"))
	require.NoError(t, f.reg.RequestActivation(ctx, id))

	f.reg.Complete(id, assert.AnError)
	f.runPosted(ctx)

	in, err := f.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, activation.StateFailed, in.State)
	require.NotNil(t, in.Error)
	assert.Equal(t, firmware.KindWriteFailed, in.Error.Kind)
	assert.Nil(t, in.Priority)
}

func TestLoopDoAfterStop(t *testing.T) {
	l := NewLoop(quietLogger(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	err := l.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoopDeferDoesNotBlockOnFullQueue(t *testing.T) {
	l := NewLoop(quietLogger(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	running := make(chan struct{})
	release := make(chan struct{})
	handled := make(chan error, 1)
	go func() {
		handled <- l.Do(ctx, func(context.Context) error {
			close(running)
			<-release
			l.Defer(func(context.Context) { record("first") })
			l.Defer(func(context.Context) { record("second") })
			record("handler")
			return nil
		})
	}()
	<-running
	// Fill the queue while the handler is blocked.
	queued := make(chan struct{})
	go func() {
		l.Post(func(context.Context) { record("queued") })
		close(queued)
	}()
	select {
	case <-queued:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never accepted the post")
	}
	close(release)

	select {
	case err := <-handled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler deferring work wedged the loop")
	}
	require.NoError(t, l.Do(ctx, func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"handler", "first", "second", "queued"}, order)
}

func TestHostImageIsErasedAfterWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, "2.0.0")
	aux := &fakeWriter{j: f.j}
	f.reg.machines.Auxiliary = aux

	dir := filepath.Join(f.upload, "11112222")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	id, _ := f.reg.CreateActivation(ctx, firmware.Record{
		ID: "11112222", Version: "host-2.0", Purpose: firmware.PurposeHost, Location: dir,
	})
	require.NoError(t, f.reg.RequestActivation(ctx, id))
	in, err := f.reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), *in.Progress)
	assert.NotEqual(t, -1, f.j.index("write:"+id))

	// The erase of the uploaded entry runs right after the completion.
	f.reg.Complete(id, nil)
	f.runPosted(ctx)
	assert.Empty(t, f.loop.ops)

	_, err = f.reg.Get(id)
	assert.ErrorIs(t, err, firmware.ErrUnknownVersion)
	list := f.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, Info{
		ID:         HostVersionID,
		Version:    "host-2.0",
		Purpose:    firmware.PurposeHost,
		State:      activation.StateActive,
		Functional: true,
		Active:     true,
	}, list[0])
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
