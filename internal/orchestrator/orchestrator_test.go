// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/profilepilot/internal/browser"
	"github.com/xkilldash9x/profilepilot/internal/browser/browsertest"
	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/identity"
	"github.com/xkilldash9x/profilepilot/internal/store"
	"github.com/xkilldash9x/profilepilot/internal/wizard"
)

const site = "https://www.example.test"

// -- Fakes --

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]store.Account
	stages   map[string][]string
	outcomes map[string][]store.Outcome
	listErr  error
}

func newFakeStore(accts ...store.Account) *fakeStore {
	s := &fakeStore{
		accounts: map[string]store.Account{},
		stages:   map[string][]string{},
		outcomes: map[string][]store.Outcome{},
	}
	for _, a := range accts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeStore) Runnable(_ context.Context, maxAttempts int, _ time.Duration, _ time.Time) ([]store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []store.Account
	for _, a := range s.accounts {
		if a.SucceededAt == nil && a.HardFailedAt == nil && a.Attempts < maxAttempts {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) RecordStage(_ context.Context, id, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[id] = append(s.stages[id], stage)
	return nil
}

func (s *fakeStore) RecordOutcome(_ context.Context, id string, o store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = append(s.outcomes[id], o)
	return nil
}

func (s *fakeStore) outcomesFor(id string) []store.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Outcome(nil), s.outcomes[id]...)
}

type fakeLauncher struct {
	mu     sync.Mutex
	script func(id string, p *browsertest.FakePage)
	pages  []*browsertest.FakePage
	opts   []browser.SessionOptions
	err    error
}

func (l *fakeLauncher) Launch(_ context.Context, opts browser.SessionOptions) (browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	if l.err != nil {
		return nil, l.err
	}
	p := browsertest.New()
	if l.script != nil {
		l.script(opts.AccountID, p)
	}
	l.pages = append(l.pages, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*browsertest.FakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*browsertest.FakePage(nil), l.pages...)
}

type fakeKeeper struct {
	mu      sync.Mutex
	resume  bool
	saves   int
	labels  []string
	resumed []string
}

func (k *fakeKeeper) Save(_ context.Context, _ string, _ browser.Page, label string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.saves++
	k.labels = append(k.labels, label)
	return nil
}

func (k *fakeKeeper) Resume(_ context.Context, id string, _ browser.Page) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resumed = append(k.resumed, id)
	return k.resume, nil
}

type fakeAllocator struct {
	err error
}

func (a fakeAllocator) Allocate(_ context.Context, _ string) (identity.ProxyIdentity, error) {
	if a.err != nil {
		return identity.ProxyIdentity{}, a.err
	}
	return identity.ProxyIdentity{Host: "gate.example.test", Port: 10001, Username: "user", Password: "pw"}, nil
}

type fakeBridge struct {
	mu      sync.Mutex
	started bool
	closed  bool
}

func (b *fakeBridge) Start() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return "127.0.0.1:40000", nil
}

func (b *fakeBridge) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// -- Helpers --

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Engine: config.EngineConfig{Concurrency: 2, RunTimeout: 10 * time.Second},
		Browser: config.BrowserConfig{Typing: config.TypingConfig{
			KeyDelayMax:      time.Millisecond,
			ActionDelayMax:   time.Millisecond,
			LocatePasses:     2,
			LocateBackoffMin: time.Millisecond,
			LocateBackoffMax: 2 * time.Millisecond,
			ListboxWait:      10 * time.Millisecond,
		}},
		Wizard: config.WizardConfig{
			BaseURL:         site,
			SignupPath:      "/nx/signup",
			ResumePath:      "/nx/create-profile",
			TargetStage:     string(wizard.StageDone),
			StageTimeout:    2 * time.Second,
			AdvanceTimeout:  50 * time.Millisecond,
			LocateTimeout:   60 * time.Millisecond,
			MaxAttempts:     3,
			BirthDateLayout: "01/02/2006",
			ArtifactDir:     t.TempDir(),
		},
	}
}

func account(id string) store.Account {
	return store.Account{ID: id, Email: id + "@example.com", Password: "pw", Profile: []byte(`{"firstName":"Jane"}`)}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zaptest.NewLogger(t)
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o
}

func reports(t *testing.T, buf *bytes.Buffer) []Report {
	t.Helper()
	var out []Report
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var r Report
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

// -- Test Cases --

func TestNew(t *testing.T) {
	t.Run("rejects nil dependencies", func(t *testing.T) {
		_, err := New(testConfig(t), Deps{})
		assert.Error(t, err)
	})
	t.Run("rejects an unknown target stage", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Wizard.TargetStage = "somewhere"
		_, err := New(cfg, Deps{Store: newFakeStore(), Launcher: &fakeLauncher{}})
		assert.Error(t, err)
	})
}

func TestRunAllSucceedsAtTarget(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	cfg.Wizard.TargetStage = string(wizard.StageCredentials)
	st := newFakeStore(account("a1"), account("a2"), account("a3"))
	launcher := &fakeLauncher{}
	keeper := &fakeKeeper{}
	var buf bytes.Buffer
	o := newTestOrchestrator(t, cfg, Deps{Store: st, Launcher: launcher, Sessions: keeper, Report: &buf})

	stats, err := o.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Accounts: 3, Attempts: 3, Succeeded: 3}, stats)

	for _, id := range []string{"a1", "a2", "a3"} {
		outs := st.outcomesFor(id)
		require.Len(t, outs, 1, id)
		assert.True(t, outs[0].Success)
		assert.Equal(t, string(wizard.StageCredentials), outs[0].Stage)
	}
	for _, p := range launcher.launched() {
		assert.Equal(t, []string{site + "/nx/signup"}, p.Navigations)
		assert.True(t, p.Closed(), "page must be closed after the run")
	}
	assert.Equal(t, 3, keeper.saves, "session saved after every successful run")

	lines := reports(t, &buf)
	require.Len(t, lines, 3)
	for _, r := range lines {
		assert.NotEmpty(t, r.RunID)
		assert.Equal(t, 1, r.Attempt)
		assert.Equal(t, wizard.StatusSuccess, r.Result.Status)
	}
}

func TestChallengeIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	st := newFakeStore(account("a1"))
	launcher := &fakeLauncher{script: func(_ string, p *browsertest.FakePage) {
		p.OnNavigate = func(p *browsertest.FakePage, _ string) {
			p.SetText("Please verify you are human to continue.")
		}
	}}
	o := newTestOrchestrator(t, cfg, Deps{Store: st, Launcher: launcher})

	stats, err := o.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Challenged)
	assert.Equal(t, 1, stats.Attempts)

	outs := st.outcomesFor("a1")
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Challenge)
	assert.False(t, outs[0].Hard)
	assert.Equal(t, string(wizard.KindCaptcha), outs[0].ErrorKind)
}

func TestNavigationFailureIsHard(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	st := newFakeStore(account("a1"))
	launcher := &fakeLauncher{script: func(_ string, p *browsertest.FakePage) {
		p.NavigateErr = map[string]error{site + "/nx/signup": errors.New("net::ERR_TUNNEL_CONNECTION_FAILED")}
	}}
	o := newTestOrchestrator(t, cfg, Deps{Store: st, Launcher: launcher})

	res, err := o.RunAccount(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusHardFail, res.Status)
	assert.Equal(t, wizard.KindNavigationFailed, res.ErrorKind)
	assert.Contains(t, res.Evidence, "ERR_TUNNEL_CONNECTION_FAILED")

	outs := st.outcomesFor("a1")
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Hard)
}

func TestSoftFailureRetriesUpToCap(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	acct := account("a1")
	acct.Attempts = 1
	st := newFakeStore(acct)
	// The title page never renders its field.
	launcher := &fakeLauncher{script: func(_ string, p *browsertest.FakePage) {
		p.OnNavigate = func(p *browsertest.FakePage, _ string) {
			p.SetURL(site + "/nx/create-profile/title")
		}
	}}
	var buf bytes.Buffer
	o := newTestOrchestrator(t, cfg, Deps{Store: st, Launcher: launcher, Report: &buf})

	stats, err := o.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Accounts: 1, Attempts: 2, SoftFailed: 1}, stats)

	outs := st.outcomesFor("a1")
	require.Len(t, outs, 2)
	for _, out := range outs {
		assert.False(t, out.Success)
		assert.False(t, out.Hard)
		assert.Equal(t, string(wizard.StageTitle), out.Stage)
	}
	lines := reports(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, 2, lines[0].Attempt)
	assert.Equal(t, 3, lines[1].Attempt)
	assert.NotEqual(t, lines[0].RunID, lines[1].RunID)
}

func TestProxyBridgeAndResume(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	cfg.Wizard.ReuseSession = true
	cfg.Wizard.TargetStage = string(wizard.StageTitle)
	st := newFakeStore(account("a1"))
	launcher := &fakeLauncher{script: func(_ string, p *browsertest.FakePage) {
		p.OnNavigate = func(p *browsertest.FakePage, _ string) {
			p.SetURL(site + "/nx/create-profile/title")
		}
	}}
	keeper := &fakeKeeper{resume: true}
	o := newTestOrchestrator(t, cfg, Deps{Store: st, Launcher: launcher, Sessions: keeper, Proxies: fakeAllocator{}})
	bridge := &fakeBridge{}
	o.newBridge = func(identity.ProxyIdentity, *zap.Logger) Bridge { return bridge }

	res, err := o.RunAccount(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusSuccess, res.Status)

	require.Len(t, launcher.opts, 1)
	assert.Equal(t, "http://127.0.0.1:40000", launcher.opts[0].ProxyServer)
	assert.True(t, bridge.started)
	assert.True(t, bridge.closed)

	pages := launcher.launched()
	require.Len(t, pages, 1)
	assert.Equal(t, []string{site + "/nx/create-profile"}, pages[0].Navigations, "a resumed session opens the resume path")
	assert.Equal(t, []string{"a1"}, keeper.resumed)
	assert.Equal(t, []string{"user@gate.example.test:10001"}, keeper.labels)
}

func TestEnvironmentFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("exhausted proxy ports", func(t *testing.T) {
		st := newFakeStore(account("a1"))
		launcher := &fakeLauncher{}
		o := newTestOrchestrator(t, testConfig(t), Deps{Store: st, Launcher: launcher, Proxies: fakeAllocator{err: identity.ErrPortsExhausted}})

		res, err := o.RunAccount(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, wizard.KindEnvironment, res.ErrorKind)
		assert.Empty(t, launcher.opts, "no browser without a proxy")
		assert.Len(t, st.outcomesFor("a1"), 3, "environment failures are retried")
	})

	t.Run("disabled proxy runs direct", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Wizard.TargetStage = string(wizard.StageCredentials)
		launcher := &fakeLauncher{}
		o := newTestOrchestrator(t, cfg, Deps{Store: newFakeStore(account("a1")), Launcher: launcher, Proxies: fakeAllocator{err: identity.ErrProxyDisabled}})

		res, err := o.RunAccount(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, wizard.StatusSuccess, res.Status)
		require.Len(t, launcher.opts, 1)
		assert.Empty(t, launcher.opts[0].ProxyServer)
	})

	t.Run("bad stored profile", func(t *testing.T) {
		acct := account("a1")
		acct.Profile = []byte(`{not json`)
		launcher := &fakeLauncher{}
		o := newTestOrchestrator(t, testConfig(t), Deps{Store: newFakeStore(acct), Launcher: launcher})

		res, err := o.RunAccount(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, wizard.StatusHardFail, res.Status)
		assert.Equal(t, wizard.KindMissingInput, res.ErrorKind)
		assert.Empty(t, launcher.opts)
	})
}

func TestRunAccountUnknown(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(t), Deps{Store: newFakeStore(), Launcher: &fakeLauncher{}})
	_, err := o.RunAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunAllListFailure(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("connection refused")
	o := newTestOrchestrator(t, testConfig(t), Deps{Store: st, Launcher: &fakeLauncher{}})
	_, err := o.RunAll(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}
