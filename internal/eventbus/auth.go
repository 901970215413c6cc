package eventbus

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// Identity is the authenticated producer identity extracted from the TLS
// peer certificate and resolved through the CN allowlist.
type Identity struct {
	CN      string
	AgentID string
}

// AuthTable holds the CN allowlist and the agent signing-key map as two
// independently swappable snapshots. CN membership and key material are
// rotatable without restarting the process, and replacing one table leaves
// the other untouched. A single RWMutex guards both maps; each replacement
// holds it only for the pointer swap.
type AuthTable struct {
	mu         sync.RWMutex
	cnToAgent  map[string]string
	agentToKey map[string]ed25519.PublicKey
}

func NewAuthTable(cnAllowlist map[string]string, agentKeyMapHex map[string]string) (*AuthTable, error) {
	t := &AuthTable{}
	if err := t.ReplaceAllowlist(cnAllowlist); err != nil {
		return nil, err
	}
	if err := t.ReplaceKeyMap(agentKeyMapHex); err != nil {
		return nil, err
	}
	return t, nil
}

// ReplaceAllowlist hot-swaps the CN-to-agent-id map.
func (t *AuthTable) ReplaceAllowlist(cnAllowlist map[string]string) error {
	cp := make(map[string]string, len(cnAllowlist))
	for cn, agentID := range cnAllowlist {
		if cn == "" || agentID == "" {
			return fmt.Errorf("eventbus: cn_allowlist entries must be non-empty")
		}
		cp[cn] = agentID
	}
	t.mu.Lock()
	t.cnToAgent = cp
	t.mu.Unlock()
	return nil
}

// ReplaceKeyMap hot-swaps the agent-id-to-public-key map, independently of
// the CN allowlist.
func (t *AuthTable) ReplaceKeyMap(agentKeyMapHex map[string]string) error {
	cp := make(map[string]ed25519.PublicKey, len(agentKeyMapHex))
	for agentID, hexKey := range agentKeyMapHex {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("eventbus: agent_key_map[%s]: %w", agentID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("eventbus: agent_key_map[%s]: want %d bytes, got %d", agentID, ed25519.PublicKeySize, len(raw))
		}
		cp[agentID] = ed25519.PublicKey(raw)
	}
	t.mu.Lock()
	t.agentToKey = cp
	t.mu.Unlock()
	return nil
}

// Authenticate resolves a TLS CN to an Identity. The second return is false
// if the CN is not in the allowlist, which the caller must map to
// ack.UNAUTHORIZED.
func (t *AuthTable) Authenticate(cn string) (Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	agentID, ok := t.cnToAgent[cn]
	if !ok {
		return Identity{}, false
	}
	return Identity{CN: cn, AgentID: agentID}, true
}

// KeyFor resolves the verification key for an already-authenticated agent.
// The CN-to-key map is intentionally separate from the CN allowlist so a
// key can be rotated without touching authorization, and vice versa.
func (t *AuthTable) KeyFor(agentID string) (ed25519.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.agentToKey[agentID]
	return k, ok
}
