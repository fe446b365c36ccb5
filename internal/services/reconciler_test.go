package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/routegate/backend/internal/ledger"
	"github.com/routegate/backend/internal/models"
	"github.com/routegate/backend/internal/panel"
	"github.com/routegate/backend/internal/routing"
)

// fakeGateway is an in-memory stand-in for the enforcement panel
type fakeGateway struct {
	mu      sync.Mutex
	clients map[string]panel.Credential // by access secret
	usage   map[string]panel.Usage      // by alias

	fetchErrFor map[string]error // per-alias fetch failures
	deleteErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		clients:     make(map[string]panel.Credential),
		usage:       make(map[string]panel.Usage),
		fetchErrFor: make(map[string]error),
	}
}

func (f *fakeGateway) AddCredential(ctx context.Context, cred panel.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[cred.AccessSecret]; ok {
		return panel.ErrAlreadyExists
	}
	f.clients[cred.AccessSecret] = cred
	return nil
}

func (f *fakeGateway) UpdateQuota(ctx context.Context, accessSecret string, quotaBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.clients[accessSecret]
	if !ok {
		return panel.ErrNotFound
	}
	cred.QuotaBytes = quotaBytes
	f.clients[accessSecret] = cred
	return nil
}

func (f *fakeGateway) DeleteCredential(ctx context.Context, accessSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if cred, ok := f.clients[accessSecret]; ok {
		delete(f.usage, cred.RoutingAlias)
	}
	delete(f.clients, accessSecret)
	return nil
}

func (f *fakeGateway) FetchUsage(ctx context.Context, alias string) (*panel.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fetchErrFor[alias]; ok {
		return nil, err
	}
	u, ok := f.usage[alias]
	if !ok {
		return nil, panel.ErrNotFound
	}
	return &u, nil
}

func (f *fakeGateway) ListActiveIdentifiers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var aliases []string
	for _, c := range f.clients {
		aliases = append(aliases, c.RoutingAlias)
	}
	return aliases, nil
}

func (f *fakeGateway) FindSecretByAlias(ctx context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for secret, c := range f.clients {
		if c.RoutingAlias == alias {
			return secret, nil
		}
	}
	return "", panel.ErrNotFound
}

func (f *fakeGateway) setUsage(alias string, up, down int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[alias] = panel.Usage{UploadedBytes: up, DownloadedBytes: down}
}

func (f *fakeGateway) has(accessSecret string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[accessSecret]
	return ok
}

func setup(t *testing.T) (*ledger.Ledger, *fakeGateway, *Reconciler) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	path := filepath.Join(t.TempDir(), "fleet.state")
	require.NoError(t, os.WriteFile(path, []byte("i-1=DE:10001\ni-2=US:10002\n"), 0644))
	registry, err := routing.NewRegistry(path)
	require.NoError(t, err)

	gw := newFakeGateway()
	l := ledger.New(db, gw, registry)
	r := NewReconciler(l, gw, time.Minute, 5*time.Second)
	return l, gw, r
}

func issue(t *testing.T, l *ledger.Ledger, quota int64) *models.Grant {
	t.Helper()
	grant, err := l.Issue(context.Background(), ledger.IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  quota,
	})
	require.NoError(t, err)
	return grant
}

func TestReconcileGrantFoldsUsage(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)
	gw.setUsage(grant.RoutingAlias, 1<<30, 2<<30)

	updated, err := r.ReconcileGrant(context.Background(), grant.GrantID)
	require.NoError(t, err)

	assert.Equal(t, int64(3<<30), updated.ConsumedBytes)
	assert.Equal(t, models.GrantStatusActive, updated.Status)

	stamped, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.NotNil(t, stamped.LastReconciledAt)
}

func TestReconcileGrantExhausts(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)
	gw.setUsage(grant.RoutingAlias, 5<<30, 6<<30) // 11 GiB on a 10 GiB quota

	updated, err := r.ReconcileGrant(context.Background(), grant.GrantID)
	require.NoError(t, err)

	assert.Equal(t, models.GrantStatusExhausted, updated.Status)
	assert.False(t, gw.has(grant.AccessSecret), "exhausted credential removed from panel")
}

func TestReconcileGrantRevokesWhenMissingRemotely(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)

	// Credential vanished from the panel out-of-band
	require.NoError(t, gw.DeleteCredential(context.Background(), grant.AccessSecret))

	updated, err := r.ReconcileGrant(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRevoked, updated.Status)
}

func TestReconcileGrantKeepsFoldOnCounterReset(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)
	gw.setUsage(grant.RoutingAlias, 0, 5<<30)

	_, err := r.ReconcileGrant(context.Background(), grant.GrantID)
	require.NoError(t, err)

	// Panel restarts and reports lower counters
	gw.setUsage(grant.RoutingAlias, 0, 1<<30)

	updated, err := r.ReconcileGrant(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<30), updated.ConsumedBytes, "fold never moves backward")
}

func TestSweepIsolatesFailures(t *testing.T) {
	l, gw, r := setup(t)

	bad := issue(t, l, 10<<30)
	good := issue(t, l, 10<<30)

	gw.fetchErrFor[bad.RoutingAlias] = errors.New("timeout talking to panel")
	gw.setUsage(good.RoutingAlias, 0, 4<<30)

	result := r.Sweep(context.Background())

	assert.Equal(t, 2, result.Checked)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, bad.GrantID, result.Failures[0].GrantID)

	// The healthy grant was still folded
	updated, err := l.Find(context.Background(), good.GrantID)
	require.NoError(t, err)
	assert.Equal(t, int64(4<<30), updated.ConsumedBytes)
}

func TestSweepTransitionsExhaustedGrants(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 1<<30)
	gw.setUsage(grant.RoutingAlias, 1<<30, 1<<30)

	result := r.Sweep(context.Background())

	assert.Equal(t, 1, result.Transitioned)
	updated, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusExhausted, updated.Status)
}

func TestSweepRemovesOrphans(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)
	gw.setUsage(grant.RoutingAlias, 0, 0)

	// A credential the ledger never recorded (interrupted issuance)
	require.NoError(t, gw.AddCredential(context.Background(), panel.Credential{
		GrantID:      "orphan",
		AccessSecret: "orphan-secret",
		RoutingAlias: "user-de-0badf00d",
	}))

	result := r.Sweep(context.Background())

	assert.Equal(t, 1, result.OrphansRemoved)
	assert.False(t, gw.has("orphan-secret"))
	assert.True(t, gw.has(grant.AccessSecret), "known credential untouched")
}

func TestSweepLeavesForeignClientsAlone(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)
	gw.setUsage(grant.RoutingAlias, 0, 0)

	// A client someone configured on the shared inbound by hand. Its alias
	// does not follow our naming contract, so it is not ours to reap.
	require.NoError(t, gw.AddCredential(context.Background(), panel.Credential{
		AccessSecret: "foreign-secret",
		RoutingAlias: "vip-customer@example.com",
	}))

	result := r.Sweep(context.Background())

	assert.Equal(t, 0, result.OrphansRemoved)
	assert.True(t, gw.has("foreign-secret"), "foreign client untouched")
}

func TestSweepRetriesDeferredDeletes(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)

	// Remote delete fails during revoke, cleanup is deferred
	gw.deleteErr = errors.New("panel down")
	_, err := l.Revoke(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.True(t, gw.has(grant.AccessSecret))

	// Panel recovers, sweep finishes the cleanup
	gw.deleteErr = nil
	result := r.Sweep(context.Background())

	assert.Equal(t, 1, result.RetriedDeletes)
	assert.False(t, gw.has(grant.AccessSecret))

	updated, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.True(t, updated.RemoteDeleted)
}

func TestSweepCountsDriftRevocations(t *testing.T) {
	l, gw, r := setup(t)

	grant := issue(t, l, 10<<30)
	require.NoError(t, gw.DeleteCredential(context.Background(), grant.AccessSecret))

	result := r.Sweep(context.Background())

	assert.Equal(t, 1, result.DriftRevoked)
	updated, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRevoked, updated.Status)
}

func TestSweepEmptyLedger(t *testing.T) {
	_, _, r := setup(t)

	result := r.Sweep(context.Background())
	assert.Equal(t, 0, result.Checked)
	assert.Empty(t, result.Failures)
}

func TestStartStop(t *testing.T) {
	_, _, r := setup(t)

	r.Start()
	r.Stop()
}

func TestSweepResultFailureReasons(t *testing.T) {
	l, gw, r := setup(t)

	grants := make([]*models.Grant, 3)
	for i := range grants {
		grants[i] = issue(t, l, 10<<30)
		gw.setUsage(grants[i].RoutingAlias, 0, int64(i)<<20)
	}
	gw.fetchErrFor[grants[1].RoutingAlias] = fmt.Errorf("connection refused")

	result := r.Sweep(context.Background())

	assert.Equal(t, 3, result.Checked)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Reason, "connection refused")
}
