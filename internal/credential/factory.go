package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrCapacity is returned when identity generation keeps colliding with
// existing grants. Callers may retry the whole operation.
var ErrCapacity = errors.New("credential: identity space exhausted after repeated collisions")

// AliasPattern is the versioned naming contract with the panel's routing rule
// engine: any credential whose alias starts with "user-<country>-" is bound to
// that country's outbound route by prefix match, with no per-grant rule updates.
var AliasPattern = regexp.MustCompile(`^user-[a-z]{2}-[0-9a-f]{8}$`)

const maxAttempts = 5

// Identity is the unique material minted for a new grant
type Identity struct {
	GrantID      string // stable subscription id, 128-bit hex
	AccessSecret string // credential presented to the proxy (panel client id)
	RoutingAlias string // country-encoding label matched by the panel's rules
}

// Index answers whether identity material is already taken. Satisfied by the
// subscription ledger.
type Index interface {
	IdentityInUse(ctx context.Context, grantID, alias string) (bool, error)
}

// Factory mints identity material for new grants
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// NewIdentity generates a fresh identity for the given country and verifies it
// against the index. Collisions are vanishingly rare but still re-drawn, up to
// a small bound, then ErrCapacity.
func (f *Factory) NewIdentity(ctx context.Context, countryCode string, idx Index) (Identity, error) {
	cc := strings.ToLower(countryCode)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := Identity{
			GrantID:      randomHex(16),
			AccessSecret: uuid.NewString(),
			RoutingAlias: fmt.Sprintf("user-%s-%s", cc, randomHex(4)),
		}

		inUse, err := idx.IdentityInUse(ctx, id.GrantID, id.RoutingAlias)
		if err != nil {
			return Identity{}, fmt.Errorf("identity uniqueness check: %w", err)
		}
		if !inUse {
			return id, nil
		}
	}

	return Identity{}, ErrCapacity
}

// randomHex returns n random bytes hex-encoded from a CSPRNG
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("credential: rand.Read: %v", err))
	}
	return hex.EncodeToString(b)
}
