// Package auth maps API keys to the people allowed to ask questions and to the
// operators allowed to republish table metadata.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
)

type Role string

const (
	// RoleAsker may call /v1/ask.
	RoleAsker Role = "asker"
	// RoleMetadataAdmin may force a metadata refresh or publish.
	RoleMetadataAdmin Role = "metadata_admin"
)

func ParseRole(value string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(value))); role {
	case RoleAsker, RoleMetadataAdmin:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// Identity is the caller behind an API key. UserID is what the pipeline logs
// and attributes requests to.
type Identity struct {
	UserID string
	Roles  []Role
}

func (i Identity) Allows(role Role) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// KeyTable is a fixed set of API keys, held as SHA-256 digests.
type KeyTable struct {
	identities map[[sha256.Size]byte]Identity
}

// ParseKeyTable reads comma-separated "key:user:role|role" entries. Unknown
// roles and repeated keys are rejected.
func ParseKeyTable(entries string) (*KeyTable, error) {
	table := &KeyTable{identities: map[[sha256.Size]byte]Identity{}}
	entries = strings.TrimSpace(entries)
	if entries == "" {
		return table, nil
	}

	for _, entry := range strings.Split(entries, ",") {
		key, rest, ok := strings.Cut(strings.TrimSpace(entry), ":")
		userID, roleList, ok2 := strings.Cut(rest, ":")
		if !ok || !ok2 || strings.Contains(roleList, ":") {
			return nil, fmt.Errorf("invalid key entry %q: expected key:user:role|role", entry)
		}
		key, userID = strings.TrimSpace(key), strings.TrimSpace(userID)
		if key == "" || userID == "" {
			return nil, fmt.Errorf("invalid key entry %q: empty key or user", entry)
		}
		digest := sha256.Sum256([]byte(key))
		if _, dup := table.identities[digest]; dup {
			return nil, fmt.Errorf("invalid key entry for user %q: duplicate key", userID)
		}

		var roles []Role
		for _, raw := range strings.Split(roleList, "|") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			role, err := ParseRole(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid key entry for user %q: %w", userID, err)
			}
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid key entry for user %q: at least one role is required", userID)
		}
		slices.Sort(roles)
		table.identities[digest] = Identity{UserID: userID, Roles: roles}
	}
	return table, nil
}

func (t *KeyTable) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := t.identities[sha256.Sum256([]byte(apiKey))]
	return identity, ok
}

func (t *KeyTable) Len() int {
	return len(t.identities)
}
