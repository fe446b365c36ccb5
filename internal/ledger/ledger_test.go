package ledger

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

	"github.com/routegate/backend/internal/credential"
	"github.com/routegate/backend/internal/models"
	"github.com/routegate/backend/internal/panel"
	"github.com/routegate/backend/internal/routing"
)

// fakeGateway is an in-memory stand-in for the enforcement panel
type fakeGateway struct {
	mu      sync.Mutex
	clients map[string]panel.Credential // by access secret
	usage   map[string]panel.Usage      // by alias

	addErr    error
	deleteErr error
	quotaErr  error

	addCalls int
	deleted  []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		clients: make(map[string]panel.Credential),
		usage:   make(map[string]panel.Usage),
	}
}

func (f *fakeGateway) AddCredential(ctx context.Context, cred panel.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return f.addErr
	}
	for _, c := range f.clients {
		if c.RoutingAlias == cred.RoutingAlias {
			return panel.ErrAlreadyExists
		}
	}
	if _, ok := f.clients[cred.AccessSecret]; ok {
		return panel.ErrAlreadyExists
	}
	f.clients[cred.AccessSecret] = cred
	return nil
}

func (f *fakeGateway) UpdateQuota(ctx context.Context, accessSecret string, quotaBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotaErr != nil {
		return f.quotaErr
	}
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
	f.deleted = append(f.deleted, accessSecret)
	return nil
}

func (f *fakeGateway) FetchUsage(ctx context.Context, alias string) (*panel.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeGateway) has(accessSecret string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[accessSecret]
	return ok
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func testRegistry(t *testing.T, countries ...string) *routing.Registry {
	t.Helper()
	var content string
	for i, cc := range countries {
		content += fmt.Sprintf("i-%d=%s:%d\n", i, cc, 10001+i)
	}
	path := filepath.Join(t.TempDir(), "fleet.state")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	registry, err := routing.NewRegistry(path)
	require.NoError(t, err)
	return registry
}

func testLedger(t *testing.T) (*Ledger, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	return New(testDB(t), gw, testRegistry(t, "DE", "US")), gw
}

func TestIssueCreatesActiveGrant(t *testing.T) {
	l, gw := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "de",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	assert.Equal(t, models.GrantStatusActive, grant.Status)
	assert.Equal(t, "DE", grant.CountryCode)
	assert.Equal(t, int64(10<<30), grant.QuotaBytes)
	assert.Equal(t, int64(0), grant.ConsumedBytes)
	assert.Regexp(t, credential.AliasPattern, grant.RoutingAlias)
	assert.True(t, gw.has(grant.AccessSecret), "credential registered with panel")
}

func TestIssueRouteUnavailable(t *testing.T) {
	l, gw := testLedger(t)

	_, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "JP",
	})
	assert.ErrorIs(t, err, ErrRouteUnavailable)
	assert.Zero(t, gw.addCalls, "panel never contacted")

	grants, err := l.ListForOwner(context.Background(), "12345")
	require.NoError(t, err)
	assert.Empty(t, grants, "no row recorded")
}

func TestIssueRemoteFailure(t *testing.T) {
	l, gw := testLedger(t)
	gw.addErr = errors.New("panel down")

	_, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})

	var remoteErr *RemoteWriteError
	require.ErrorAs(t, err, &remoteErr)

	// Nothing recorded locally
	grants, err := l.ListForOwner(context.Background(), "12345")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestIssueTreatsRemoteDuplicateAsRetriedAdd(t *testing.T) {
	l, gw := testLedger(t)
	gw.addErr = panel.ErrAlreadyExists

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusActive, grant.Status)
}

func TestApplyUsageMonotonic(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	// Forward
	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 5<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<30), updated.ConsumedBytes)

	// Same value is an idempotent no-op
	updated, err = l.ApplyUsage(context.Background(), grant.GrantID, 5<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<30), updated.ConsumedBytes)

	// Backward is rejected and leaves the fold untouched
	_, err = l.ApplyUsage(context.Background(), grant.GrantID, 3<<30)
	assert.ErrorIs(t, err, ErrStaleUpdate)

	final, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5<<30), final.ConsumedBytes)
}

func TestApplyUsageMonotonicAcrossProcesses(t *testing.T) {
	// The api and sweep binaries each hold their own Ledger over the shared
	// database, so their per-grant locks are disjoint
	db := testDB(t)
	gw := newFakeGateway()
	registry := testRegistry(t, "DE", "US")
	api := New(db, gw, registry)
	sweep := New(db, gw, registry)

	grant, err := api.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	_, err = api.ApplyUsage(context.Background(), grant.GrantID, 7<<30)
	require.NoError(t, err)

	// The other process folds a counter it read before the api caught up
	_, err = sweep.ApplyUsage(context.Background(), grant.GrantID, 5<<30)
	assert.ErrorIs(t, err, ErrStaleUpdate)

	final, err := sweep.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, int64(7<<30), final.ConsumedBytes)
}

func TestApplyUsageNeverRewritesTerminalRow(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 11<<30)
	require.NoError(t, err)
	require.Equal(t, models.GrantStatusExhausted, updated.Status)

	// A late fold from another pass lands after the grant closed
	again, err := l.ApplyUsage(context.Background(), grant.GrantID, 12<<30)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusExhausted, again.Status)

	final, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, int64(11<<30), final.ConsumedBytes, "closed row keeps its final counter")
	assert.Equal(t, models.GrantStatusExhausted, final.Status)
}

func TestApplyUsageExhaustsOverQuota(t *testing.T) {
	l, gw := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	// 11 GiB against a 10 GiB quota
	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 11<<30)
	require.NoError(t, err)

	assert.Equal(t, models.GrantStatusExhausted, updated.Status)
	assert.Equal(t, int64(11<<30), updated.ConsumedBytes, "overage is recorded, not clamped")
	assert.False(t, gw.has(grant.AccessSecret), "credential removed from panel")
	assert.True(t, updated.RemoteDeleted)
}

func TestApplyUsageExactQuotaStaysActive(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 10<<30)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusActive, updated.Status, "quota is a bound, not a trigger at equality")
}

func TestUnlimitedGrantNeverExhausts(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  0,
	})
	require.NoError(t, err)

	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 500<<30)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusActive, updated.Status)
}

func TestApplyUsageExpiresPastDeadline(t *testing.T) {
	l, gw := testLedger(t)

	past := time.Now().UTC().Add(-time.Hour)
	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
		ExpiresAt:   &past,
	})
	require.NoError(t, err)

	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusExpired, updated.Status)
	assert.False(t, gw.has(grant.AccessSecret))
}

func TestNilExpiryNeverExpires(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})
	require.NoError(t, err)

	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 1<<30)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusActive, updated.Status)
}

func TestExhaustionWinsOverExpiry(t *testing.T) {
	l, _ := testLedger(t)

	past := time.Now().UTC().Add(-time.Hour)
	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  1 << 30,
		ExpiresAt:   &past,
	})
	require.NoError(t, err)

	updated, err := l.ApplyUsage(context.Background(), grant.GrantID, 2<<30)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusExhausted, updated.Status)
}

func TestRevokeIdempotent(t *testing.T) {
	l, gw := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})
	require.NoError(t, err)

	revoked, err := l.Revoke(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRevoked, revoked.Status)
	assert.False(t, gw.has(grant.AccessSecret))

	// Second revoke is a no-op success and keeps the status
	again, err := l.Revoke(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRevoked, again.Status)
}

func TestRevokeByAlias(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "US",
	})
	require.NoError(t, err)

	revoked, err := l.Revoke(context.Background(), grant.RoutingAlias)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRevoked, revoked.Status)
}

func TestRevokeLocalWinsWhenRemoteFails(t *testing.T) {
	l, gw := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})
	require.NoError(t, err)

	gw.deleteErr = errors.New("panel down")

	revoked, err := l.Revoke(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantStatusRevoked, revoked.Status)
	assert.False(t, revoked.RemoteDeleted, "remote cleanup deferred to sweep")

	pending, err := l.PendingRemoteDeletes(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, grant.GrantID, pending[0].GrantID)
}

func TestRevokeNotFound(t *testing.T) {
	l, _ := testLedger(t)

	_, err := l.Revoke(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTopUp(t *testing.T) {
	l, gw := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	topped, err := l.TopUp(context.Background(), grant.GrantID, 5<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(15<<30), topped.QuotaBytes)

	gw.mu.Lock()
	assert.Equal(t, int64(15<<30), gw.clients[grant.AccessSecret].QuotaBytes)
	gw.mu.Unlock()
}

func TestTopUpTerminalGrant(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  1 << 30,
	})
	require.NoError(t, err)

	_, err = l.Revoke(context.Background(), grant.GrantID)
	require.NoError(t, err)

	_, err = l.TopUp(context.Background(), grant.GrantID, 1<<30)
	assert.ErrorIs(t, err, ErrGrantTerminal)
}

func TestTopUpRemoteFailureLeavesQuota(t *testing.T) {
	l, gw := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
		QuotaBytes:  10 << 30,
	})
	require.NoError(t, err)

	gw.quotaErr = errors.New("panel down")

	_, err = l.TopUp(context.Background(), grant.GrantID, 5<<30)
	var remoteErr *RemoteWriteError
	require.ErrorAs(t, err, &remoteErr)

	unchanged, err := l.Find(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, int64(10<<30), unchanged.QuotaBytes)
}

func TestIdentityInUse(t *testing.T) {
	l, _ := testLedger(t)

	grant, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})
	require.NoError(t, err)

	inUse, err := l.IdentityInUse(context.Background(), grant.GrantID, "user-de-ffffffff")
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = l.IdentityInUse(context.Background(), "unknown", grant.RoutingAlias)
	require.NoError(t, err)
	assert.True(t, inUse, "terminal or live, an alias is never reused")

	inUse, err = l.IdentityInUse(context.Background(), "unknown", "user-de-ffffffff")
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestActiveGrantsExcludesTerminal(t *testing.T) {
	l, _ := testLedger(t)

	live, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "DE",
	})
	require.NoError(t, err)

	ended, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "12345",
		CountryCode: "US",
	})
	require.NoError(t, err)
	_, err = l.Revoke(context.Background(), ended.GrantID)
	require.NoError(t, err)

	active, err := l.ActiveGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.GrantID, active[0].GrantID)
}

func TestListForOwnerNewestFirst(t *testing.T) {
	l, _ := testLedger(t)

	for i := 0; i < 3; i++ {
		_, err := l.Issue(context.Background(), IssueRequest{
			OwnerID:     "12345",
			CountryCode: "DE",
		})
		require.NoError(t, err)
	}
	_, err := l.Issue(context.Background(), IssueRequest{
		OwnerID:     "67890",
		CountryCode: "US",
	})
	require.NoError(t, err)

	grants, err := l.ListForOwner(context.Background(), "12345")
	require.NoError(t, err)
	assert.Len(t, grants, 3)
	for _, g := range grants {
		assert.Equal(t, "12345", g.OwnerID)
	}
}
