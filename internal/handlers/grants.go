package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/routegate/backend/internal/credential"
	"github.com/routegate/backend/internal/database"
	"github.com/routegate/backend/internal/ledger"
	"github.com/routegate/backend/internal/routing"
	"github.com/routegate/backend/internal/services"
)

type GrantHandler struct {
	ledger     *ledger.Ledger
	reconciler *services.Reconciler
	routes     *routing.Registry
	gateway    ledger.Gateway
}

func NewGrantHandler(l *ledger.Ledger, r *services.Reconciler, routes *routing.Registry, gw ledger.Gateway) *GrantHandler {
	return &GrantHandler{
		ledger:     l,
		reconciler: r,
		routes:     routes,
		gateway:    gw,
	}
}

// IssueGrantRequest represents grant creation request body
type IssueGrantRequest struct {
	OwnerID     string `json:"owner_id" validate:"required"`
	CountryCode string `json:"country_code" validate:"required"`
	QuotaBytes  int64  `json:"quota_bytes"`
	DaysValid   int    `json:"days_valid"`
}

// grantError maps ledger errors onto API status codes
func grantError(c *fiber.Ctx, err error) error {
	var remoteErr *ledger.RemoteWriteError

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Grant not found",
		})
	case errors.Is(err, ledger.ErrRouteUnavailable):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"message": "Requested country has no serving instance",
		})
	case errors.Is(err, ledger.ErrGrantTerminal):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Grant has already ended",
		})
	case errors.Is(err, credential.ErrCapacity):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"message": "Could not allocate a unique credential, try again",
		})
	case errors.As(err, &remoteErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Enforcement panel unavailable: " + remoteErr.Op,
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"message": "Internal server error",
	})
}

// Issue creates a new grant
func (h *GrantHandler) Issue(c *fiber.Ctx) error {
	var req IssueGrantRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.OwnerID == "" || req.CountryCode == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "owner_id and country_code are required",
		})
	}
	if req.QuotaBytes < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "quota_bytes must not be negative",
		})
	}

	var expiresAt *time.Time
	if req.DaysValid > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.DaysValid)
		expiresAt = &t
	}

	grant, err := h.ledger.Issue(c.Context(), ledger.IssueRequest{
		OwnerID:     req.OwnerID,
		CountryCode: req.CountryCode,
		QuotaBytes:  req.QuotaBytes,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return grantError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"grant":   grant,
		"credentials": fiber.Map{
			"access_secret": grant.AccessSecret,
			"routing_alias": grant.RoutingAlias,
		},
	})
}

// List returns grants, optionally filtered by owner
func (h *GrantHandler) List(c *fiber.Ctx) error {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "owner_id query parameter is required",
		})
	}

	grants, err := h.ledger.ListForOwner(c.Context(), ownerID)
	if err != nil {
		return grantError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"grants":  grants,
		"total":   len(grants),
	})
}

// usageSnapshot is the cached live-usage view attached to grant detail
type usageSnapshot struct {
	UploadedBytes   int64     `json:"uploaded_bytes"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Get returns one grant by grant id or routing alias, with a live usage
// snapshot for non-terminal grants
func (h *GrantHandler) Get(c *fiber.Ctx) error {
	grant, err := h.ledger.Find(c.Context(), c.Params("ref"))
	if err != nil {
		return grantError(c, err)
	}

	resp := fiber.Map{
		"success": true,
		"grant":   grant,
	}

	if !grant.IsTerminal() {
		if snap := h.liveUsage(c, grant.GrantID, grant.RoutingAlias); snap != nil {
			resp["usage"] = snap
		}
	}

	return c.JSON(resp)
}

// liveUsage returns a cached or freshly fetched usage snapshot. Panel
// unavailability degrades to no snapshot rather than failing the request.
func (h *GrantHandler) liveUsage(c *fiber.Ctx, grantID, alias string) *usageSnapshot {
	cacheKey := database.CacheKeyUsage + grantID

	var cached usageSnapshot
	if err := database.CacheGet(cacheKey, &cached); err == nil {
		return &cached
	}

	usage, err := h.gateway.FetchUsage(c.Context(), alias)
	if err != nil {
		return nil
	}

	snap := &usageSnapshot{
		UploadedBytes:   usage.UploadedBytes,
		DownloadedBytes: usage.DownloadedBytes,
		FetchedAt:       time.Now().UTC(),
	}
	database.CacheSet(cacheKey, snap, database.CacheTTLUsage)
	return snap
}

// Revoke terminates a grant. Safe to call repeatedly.
func (h *GrantHandler) Revoke(c *fiber.Ctx) error {
	grant, err := h.ledger.Revoke(c.Context(), c.Params("ref"))
	if err != nil {
		return grantError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Grant revoked",
		"grant":   grant,
	})
}

// TopUpRequest represents quota top-up request body
type TopUpRequest struct {
	AddBytes int64 `json:"add_bytes" validate:"required"`
}

// TopUp raises the quota of a live grant
func (h *GrantHandler) TopUp(c *fiber.Ctx) error {
	var req TopUpRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.AddBytes <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "add_bytes must be positive",
		})
	}

	grant, err := h.ledger.TopUp(c.Context(), c.Params("ref"), req.AddBytes)
	if err != nil {
		return grantError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Quota topped up",
		"grant":   grant,
	})
}

// Reconcile checks one grant against the panel immediately
func (h *GrantHandler) Reconcile(c *fiber.Ctx) error {
	grant, err := h.ledger.Find(c.Context(), c.Params("ref"))
	if err != nil {
		return grantError(c, err)
	}

	updated, err := h.reconciler.ReconcileGrant(c.Context(), grant.GrantID)
	if err != nil {
		return grantError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"grant":   updated,
	})
}

// Sweep triggers a full reconciliation pass (admin only)
func (h *GrantHandler) Sweep(c *fiber.Ctx) error {
	result := h.reconciler.Sweep(c.Context())

	return c.JSON(fiber.Map{
		"success": true,
		"result":  result,
	})
}

// countryEntry is one row of the countries listing
type countryEntry struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	EgressPort  int    `json:"egress_port"`
}

// Countries lists the countries currently served by the fleet
func (h *GrantHandler) Countries(c *fiber.Ctx) error {
	var entries []countryEntry
	if err := database.CacheGet(database.CacheKeyCountries, &entries); err == nil {
		return c.JSON(fiber.Map{
			"success":   true,
			"countries": entries,
			"total":     len(entries),
		})
	}

	table := h.routes.Current()
	entries = make([]countryEntry, 0, table.Len())
	for _, target := range table.Targets() {
		entries = append(entries, countryEntry{
			Code:        target.CountryCode,
			DisplayName: routing.DisplayName(target.CountryCode),
			EgressPort:  target.EgressPort,
		})
	}

	database.CacheSet(database.CacheKeyCountries, entries, database.CacheTTLCountries)

	return c.JSON(fiber.Map{
		"success":   true,
		"countries": entries,
		"total":     len(entries),
	})
}
