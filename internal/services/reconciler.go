package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/routegate/backend/internal/credential"
	"github.com/routegate/backend/internal/ledger"
	"github.com/routegate/backend/internal/models"
	"github.com/routegate/backend/internal/panel"
)

// SweepResult summarizes one pass over the ledger
type SweepResult struct {
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Checked        int            `json:"checked"`
	Transitioned   int            `json:"transitioned"`
	OrphansRemoved int            `json:"orphans_removed"`
	DriftRevoked   int            `json:"drift_revoked"`
	RetriedDeletes int            `json:"retried_deletes"`
	Failures       []SweepFailure `json:"failures,omitempty"`
}

// SweepFailure records a grant the sweep could not reconcile. One bad grant
// never aborts the pass.
type SweepFailure struct {
	GrantID string `json:"grant_id"`
	Reason  string `json:"reason"`
}

// Reconciler periodically folds the panel's usage counters into the ledger,
// fires quota/expiry transitions, and repairs drift between the two sides.
type Reconciler struct {
	ledger          *ledger.Ledger
	gateway         ledger.Gateway
	interval        time.Duration
	perGrantTimeout time.Duration

	running  sync.Mutex // held for the duration of a sweep
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewReconciler(l *ledger.Ledger, gateway ledger.Gateway, interval, perGrantTimeout time.Duration) *Reconciler {
	return &Reconciler{
		ledger:          l,
		gateway:         gateway,
		interval:        interval,
		perGrantTimeout: perGrantTimeout,
		stopChan:        make(chan struct{}),
	}
}

// Start begins the periodic sweep loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Printf("Reconciler: started, sweeping every %v", r.interval)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				result := r.Sweep(context.Background())
				if len(result.Failures) > 0 {
					log.Printf("Reconciler: sweep finished with %d failures (checked %d, transitioned %d)",
						len(result.Failures), result.Checked, result.Transitioned)
				}
			case <-r.stopChan:
				log.Println("Reconciler: stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish
func (r *Reconciler) Stop() {
	close(r.stopChan)
	r.wg.Wait()
	r.running.Lock()
	r.running.Unlock()
}

// ReconcileGrant checks a single grant against the panel right now. Used by
// the on-demand API endpoint between scheduled sweeps.
func (r *Reconciler) ReconcileGrant(ctx context.Context, grantID string) (*models.Grant, error) {
	grant, err := r.ledger.Find(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.IsTerminal() {
		return grant, nil
	}
	updated, _, err := r.reconcileOne(ctx, grant)
	return updated, err
}

func (r *Reconciler) reconcileOne(ctx context.Context, grant *models.Grant) (*models.Grant, bool, error) {
	usage, err := r.gateway.FetchUsage(ctx, grant.RoutingAlias)
	if errors.Is(err, panel.ErrNotFound) {
		// Panel lost the credential while the ledger still thinks it is live.
		// The grant cannot carry traffic, so close it out rather than leave a
		// phantom active row.
		log.Printf("Reconciler: grant %s missing on panel, revoking", grant.GrantID)
		revoked, rerr := r.ledger.Revoke(ctx, grant.GrantID)
		return revoked, true, rerr
	}
	if err != nil {
		return nil, false, err
	}

	consumed := usage.UploadedBytes + usage.DownloadedBytes
	updated, err := r.ledger.ApplyUsage(ctx, grant.GrantID, consumed)
	if errors.Is(err, ledger.ErrStaleUpdate) {
		// Panel counters reset below the fold (panel restart or credential
		// re-creation). Keep the ledger's higher value.
		log.Printf("Reconciler: grant %s reported %d below folded %d, keeping ledger value",
			grant.GrantID, consumed, grant.ConsumedBytes)
		return grant, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := r.ledger.MarkReconciled(ctx, grant.GrantID, time.Now().UTC()); err != nil {
		log.Printf("Reconciler: failed to stamp grant %s: %v", grant.GrantID, err)
	}
	return updated, false, nil
}

// Sweep runs one full reconciliation pass: fold usage for every live grant,
// retry deferred remote deletes, then repair drift in both directions.
// Failures are collected per grant; the pass always runs to completion.
func (r *Reconciler) Sweep(ctx context.Context) (result SweepResult) {
	r.running.Lock()
	defer r.running.Unlock()

	result.StartedAt = time.Now().UTC()
	defer func() {
		result.Duration = time.Since(result.StartedAt)
	}()

	grants, err := r.ledger.ActiveGrants(ctx)
	if err != nil {
		result.Failures = append(result.Failures, SweepFailure{Reason: fmt.Sprintf("list active grants: %v", err)})
		return result
	}

	for i := range grants {
		grant := &grants[i]
		result.Checked++

		grantCtx, cancel := context.WithTimeout(ctx, r.perGrantTimeout)
		updated, drifted, err := r.reconcileOne(grantCtx, grant)
		cancel()

		if err != nil {
			result.Failures = append(result.Failures, SweepFailure{
				GrantID: grant.GrantID,
				Reason:  err.Error(),
			})
			continue
		}
		if drifted {
			result.DriftRevoked++
		}
		if updated.IsTerminal() && !grant.IsTerminal() {
			result.Transitioned++
		}
	}

	r.retryDeferredDeletes(ctx, &result)
	r.removeOrphans(ctx, &result)

	log.Printf("Reconciler: sweep done in %v: checked=%d transitioned=%d orphans=%d drift=%d failures=%d",
		time.Since(result.StartedAt), result.Checked, result.Transitioned,
		result.OrphansRemoved, result.DriftRevoked, len(result.Failures))
	return result
}

// retryDeferredDeletes re-attempts panel deletes for terminal grants whose
// credential removal failed earlier
func (r *Reconciler) retryDeferredDeletes(ctx context.Context, result *SweepResult) {
	grants, err := r.ledger.PendingRemoteDeletes(ctx)
	if err != nil {
		result.Failures = append(result.Failures, SweepFailure{Reason: fmt.Sprintf("list pending deletes: %v", err)})
		return
	}

	for i := range grants {
		grant := &grants[i]

		grantCtx, cancel := context.WithTimeout(ctx, r.perGrantTimeout)
		err := r.gateway.DeleteCredential(grantCtx, grant.AccessSecret)
		cancel()

		if err != nil {
			result.Failures = append(result.Failures, SweepFailure{
				GrantID: grant.GrantID,
				Reason:  fmt.Sprintf("deferred delete: %v", err),
			})
			continue
		}
		if err := r.ledger.MarkRemoteDeleted(ctx, grant.GrantID); err != nil {
			result.Failures = append(result.Failures, SweepFailure{
				GrantID: grant.GrantID,
				Reason:  fmt.Sprintf("mark remote deleted: %v", err),
			})
			continue
		}
		result.RetriedDeletes++
	}
}

// removeOrphans deletes panel credentials the ledger has no row for. These
// come from issuance interrupted between the remote add and the local write.
// Only aliases matching our naming contract are candidates; the inbound may
// carry clients that were never issued here.
func (r *Reconciler) removeOrphans(ctx context.Context, result *SweepResult) {
	aliases, err := r.gateway.ListActiveIdentifiers(ctx)
	if err != nil {
		result.Failures = append(result.Failures, SweepFailure{Reason: fmt.Sprintf("list panel identifiers: %v", err)})
		return
	}

	for _, alias := range aliases {
		if !credential.AliasPattern.MatchString(alias) {
			continue
		}
		_, err := r.ledger.Find(ctx, alias)
		if err == nil {
			// Known credential. If the grant is terminal but the panel still
			// carries it, the deferred-delete pass above handles it.
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			result.Failures = append(result.Failures, SweepFailure{Reason: fmt.Sprintf("lookup %s: %v", alias, err)})
			continue
		}

		log.Printf("Reconciler: removing orphan credential %s from panel", alias)
		grantCtx, cancel := context.WithTimeout(ctx, r.perGrantTimeout)
		delErr := r.deleteOrphan(grantCtx, alias)
		cancel()

		if delErr != nil {
			result.Failures = append(result.Failures, SweepFailure{Reason: fmt.Sprintf("orphan %s: %v", alias, delErr)})
			continue
		}
		result.OrphansRemoved++
	}
}

// deleteOrphan removes an orphaned panel credential by alias. The panel keys
// deletes on the client id, so the alias is resolved to its secret first.
func (r *Reconciler) deleteOrphan(ctx context.Context, alias string) error {
	secret, err := r.gateway.FindSecretByAlias(ctx, alias)
	if err != nil {
		return err
	}
	return r.gateway.DeleteCredential(ctx, secret)
}
