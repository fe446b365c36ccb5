package ledger

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/routegate/backend/internal/credential"
	"github.com/routegate/backend/internal/database"
	"github.com/routegate/backend/internal/models"
	"github.com/routegate/backend/internal/panel"
	"github.com/routegate/backend/internal/routing"
)

// Gateway is the remote enforcement point the ledger writes through. The
// panel client satisfies it; tests swap in a fake.
type Gateway interface {
	AddCredential(ctx context.Context, cred panel.Credential) error
	UpdateQuota(ctx context.Context, accessSecret string, quotaBytes int64) error
	DeleteCredential(ctx context.Context, accessSecret string) error
	FetchUsage(ctx context.Context, alias string) (*panel.Usage, error)
	ListActiveIdentifiers(ctx context.Context) ([]string, error)
	FindSecretByAlias(ctx context.Context, alias string) (string, error)
}

// Ledger is the authoritative record of grants. All lifecycle transitions go
// through it; the remote panel is an enforcement mirror, never the source of
// truth for status.
type Ledger struct {
	db      *gorm.DB
	gateway Gateway
	routes  *routing.Registry
	factory *credential.Factory

	// Per-grant locks serialize usage folds and transitions so a sweep and an
	// API-triggered reconcile cannot interleave on the same grant.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(db *gorm.DB, gateway Gateway, routes *routing.Registry) *Ledger {
	return &Ledger{
		db:      db,
		gateway: gateway,
		routes:  routes,
		factory: credential.NewFactory(),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) grantLock(grantID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	mu, ok := l.locks[grantID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[grantID] = mu
	}
	return mu
}

// IssueRequest describes a new grant to mint
type IssueRequest struct {
	OwnerID     string
	CountryCode string
	QuotaBytes  int64      // 0 = unlimited
	ExpiresAt   *time.Time // nil = never expires
}

// Issue mints a new grant: verifies the route, generates unique identity
// material, registers the credential with the panel, then records the grant.
// The remote write happens first so a crash leaves at worst a panel-side
// orphan, which the sweep reclaims; the reverse order would leave a grant the
// panel never honors.
func (l *Ledger) Issue(ctx context.Context, req IssueRequest) (*models.Grant, error) {
	if !l.routes.Current().IsAvailable(req.CountryCode) {
		return nil, ErrRouteUnavailable
	}

	identity, err := l.factory.NewIdentity(ctx, req.CountryCode, l)
	if err != nil {
		return nil, err
	}

	cred := panel.Credential{
		GrantID:      identity.GrantID,
		AccessSecret: identity.AccessSecret,
		RoutingAlias: identity.RoutingAlias,
		OwnerID:      req.OwnerID,
		QuotaBytes:   req.QuotaBytes,
		ExpiresAt:    req.ExpiresAt,
	}

	if err := l.gateway.AddCredential(ctx, cred); err != nil {
		// A freshly minted identity already present remotely means an earlier
		// add succeeded but its response was lost. The credential is ours;
		// proceed to record it.
		if !errors.Is(err, panel.ErrAlreadyExists) {
			return nil, &RemoteWriteError{Op: "add credential", Err: err}
		}
		log.Printf("Ledger: credential %s already on panel, treating add as retried", identity.RoutingAlias)
	}

	grant := &models.Grant{
		GrantID:      identity.GrantID,
		AccessSecret: identity.AccessSecret,
		RoutingAlias: identity.RoutingAlias,
		OwnerID:      req.OwnerID,
		CountryCode:  strings.ToUpper(req.CountryCode),
		QuotaBytes:   req.QuotaBytes,
		ExpiresAt:    req.ExpiresAt,
		Status:       models.GrantStatusActive,
	}

	if err := l.createWithRetry(grant); err != nil {
		// The panel now carries a credential the ledger does not know about.
		// Best-effort cleanup here; the orphan sweep covers the rest.
		log.Printf("Ledger: failed to record grant %s, removing panel credential: %v", identity.GrantID, err)
		if delErr := l.gateway.DeleteCredential(ctx, identity.AccessSecret); delErr != nil {
			log.Printf("Ledger: orphan cleanup of %s failed, sweep will reclaim: %v", identity.RoutingAlias, delErr)
		}
		return nil, err
	}

	log.Printf("Ledger: issued grant %s (%s, %d bytes) for owner %s",
		grant.GrantID, grant.CountryCode, grant.QuotaBytes, grant.OwnerID)
	return grant, nil
}

func (l *Ledger) createWithRetry(grant *models.Grant) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = l.db.Create(grant).Error; err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	return err
}

// IdentityInUse reports whether a grant id or routing alias is already taken.
// Satisfies credential.Index. Terminal rows count too - identity material is
// never reused.
func (l *Ledger) IdentityInUse(ctx context.Context, grantID, alias string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Grant{}).
		Where("grant_id = ? OR routing_alias = ?", grantID, alias).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Find looks a grant up by grant id or routing alias
func (l *Ledger) Find(ctx context.Context, ref string) (*models.Grant, error) {
	var grant models.Grant
	err := l.db.WithContext(ctx).
		Where("grant_id = ? OR routing_alias = ?", ref, ref).
		First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// ListForOwner returns an owner's grants, newest first
func (l *Ledger) ListForOwner(ctx context.Context, ownerID string) ([]models.Grant, error) {
	var grants []models.Grant
	err := l.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&grants).Error
	return grants, err
}

// ActiveGrants returns every grant still in a live state
func (l *Ledger) ActiveGrants(ctx context.Context) ([]models.Grant, error) {
	var grants []models.Grant
	err := l.db.WithContext(ctx).
		Where("status = ?", models.GrantStatusActive).
		Order("id").
		Find(&grants).Error
	return grants, err
}

// PendingRemoteDeletes returns terminal grants whose panel credential has not
// been confirmed removed yet
func (l *Ledger) PendingRemoteDeletes(ctx context.Context) ([]models.Grant, error) {
	var grants []models.Grant
	err := l.db.WithContext(ctx).
		Where("status IN ? AND remote_deleted = ?",
			[]models.GrantStatus{models.GrantStatusExhausted, models.GrantStatusExpired, models.GrantStatusRevoked},
			false).
		Order("id").
		Find(&grants).Error
	return grants, err
}

// ApplyUsage folds a usage counter from the panel into a grant and evaluates
// the quota and expiry transitions in the same locked step. Counters are
// monotonic: an equal value is an idempotent no-op, a smaller one is rejected
// as stale. Returns the grant after the fold.
//
// The api and sweep binaries fold against the same rows, so the in-process
// lock alone cannot order the writes. The fold itself is a conditional
// single-row update; zero rows affected means another process already folded
// a higher value or closed the grant, and the call reports stale.
func (l *Ledger) ApplyUsage(ctx context.Context, grantID string, consumedBytes int64) (*models.Grant, error) {
	mu := l.grantLock(grantID)
	mu.Lock()
	defer mu.Unlock()

	grant, err := l.Find(ctx, grantID)
	if err != nil {
		return nil, err
	}

	// Terminal rows are never rewritten, whatever the panel reports
	if grant.IsTerminal() {
		return grant, nil
	}

	if consumedBytes < grant.ConsumedBytes {
		return grant, ErrStaleUpdate
	}

	if consumedBytes > grant.ConsumedBytes {
		res := l.db.WithContext(ctx).Model(&models.Grant{}).
			Where("grant_id = ? AND consumed_bytes < ? AND status = ?",
				grantID, consumedBytes, models.GrantStatusActive).
			Update("consumed_bytes", consumedBytes)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			fresh, ferr := l.Find(ctx, grantID)
			if ferr != nil {
				return nil, ferr
			}
			return fresh, ErrStaleUpdate
		}
		grant.ConsumedBytes = consumedBytes
		database.InvalidateUsageCache(grant.GrantID)
	}

	now := time.Now().UTC()
	switch {
	case grant.ExhaustedBy(grant.ConsumedBytes):
		return l.transition(ctx, grant, models.GrantStatusExhausted)
	case grant.ExpiredAt(now):
		return l.transition(ctx, grant, models.GrantStatusExpired)
	}

	return grant, nil
}

// transition moves a live grant into a terminal state and removes its panel
// credential. The local status change is authoritative even when the remote
// delete fails; RemoteDeleted stays false and the sweep retries.
func (l *Ledger) transition(ctx context.Context, grant *models.Grant, to models.GrantStatus) (*models.Grant, error) {
	updates := map[string]interface{}{"status": to}

	remoteDeleted := false
	if err := l.gateway.DeleteCredential(ctx, grant.AccessSecret); err != nil {
		log.Printf("Ledger: remote delete for grant %s deferred to sweep: %v", grant.GrantID, err)
	} else {
		remoteDeleted = true
		updates["remote_deleted"] = true
	}

	if err := l.db.WithContext(ctx).Model(grant).Updates(updates).Error; err != nil {
		return nil, err
	}
	grant.Status = to
	grant.RemoteDeleted = remoteDeleted

	log.Printf("Ledger: grant %s -> %s (consumed %d of %d bytes)",
		grant.GrantID, statusWord(to), grant.ConsumedBytes, grant.QuotaBytes)
	database.InvalidateUsageCache(grant.GrantID)
	return grant, nil
}

// Revoke terminates a grant immediately. Revoking an already-terminal grant
// is a no-op success so callers can retry freely.
func (l *Ledger) Revoke(ctx context.Context, ref string) (*models.Grant, error) {
	grant, err := l.Find(ctx, ref)
	if err != nil {
		return nil, err
	}

	mu := l.grantLock(grant.GrantID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock in case a sweep transitioned it meanwhile
	grant, err = l.Find(ctx, grant.GrantID)
	if err != nil {
		return nil, err
	}
	if grant.IsTerminal() {
		return grant, nil
	}

	return l.transition(ctx, grant, models.GrantStatusRevoked)
}

// TopUp raises the quota of a live grant by the given number of bytes. The
// panel bound is updated first so the remote never enforces a lower limit
// than the ledger believes is in effect.
func (l *Ledger) TopUp(ctx context.Context, ref string, addBytes int64) (*models.Grant, error) {
	grant, err := l.Find(ctx, ref)
	if err != nil {
		return nil, err
	}

	mu := l.grantLock(grant.GrantID)
	mu.Lock()
	defer mu.Unlock()

	grant, err = l.Find(ctx, grant.GrantID)
	if err != nil {
		return nil, err
	}
	if grant.IsTerminal() {
		return nil, ErrGrantTerminal
	}
	if grant.IsUnlimited() {
		return grant, nil
	}

	newQuota := grant.QuotaBytes + addBytes
	if err := l.gateway.UpdateQuota(ctx, grant.AccessSecret, newQuota); err != nil {
		return nil, &RemoteWriteError{Op: "update quota", Err: err}
	}

	if err := l.db.WithContext(ctx).Model(grant).
		Update("quota_bytes", newQuota).Error; err != nil {
		return nil, err
	}
	grant.QuotaBytes = newQuota

	log.Printf("Ledger: topped up grant %s by %d bytes (quota now %d)", grant.GrantID, addBytes, newQuota)
	return grant, nil
}

// MarkRemoteDeleted records that the panel-side credential is confirmed gone
func (l *Ledger) MarkRemoteDeleted(ctx context.Context, grantID string) error {
	return l.db.WithContext(ctx).Model(&models.Grant{}).
		Where("grant_id = ?", grantID).
		Update("remote_deleted", true).Error
}

// MarkReconciled stamps the time a grant was last checked against the panel
func (l *Ledger) MarkReconciled(ctx context.Context, grantID string, at time.Time) error {
	return l.db.WithContext(ctx).Model(&models.Grant{}).
		Where("grant_id = ?", grantID).
		Update("last_reconciled_at", at).Error
}

func statusWord(s models.GrantStatus) string {
	switch s {
	case models.GrantStatusPending:
		return "pending"
	case models.GrantStatusActive:
		return "active"
	case models.GrantStatusExhausted:
		return "exhausted"
	case models.GrantStatusExpired:
		return "expired"
	case models.GrantStatusRevoked:
		return "revoked"
	}
	return "unknown"
}
