package persist

import (
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/sling/graph"
)

// pubKeyHex renders a node pubkey the way every CLN RPC response and
// CLI argument spells one: lowercase compressed-key hex.
func pubKeyHex(p graph.PubKey) string {
	return hex.EncodeToString(p[:])
}

// parsePubKeyHex is pubKeyHex's inverse.
func parsePubKeyHex(s string) (graph.PubKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return graph.PubKey{}, fmt.Errorf("pubkey %q: %w", s, err)
	}
	if len(raw) != len(graph.PubKey{}) {
		return graph.PubKey{}, fmt.Errorf("pubkey %q: want %d bytes, got %d", s, len(graph.PubKey{}), len(raw))
	}
	var pk graph.PubKey
	copy(pk[:], raw)
	return pk, nil
}
