package persist

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/scid"
)

// ExceptStore holds the two exclusion lists §6 names: channels and
// peers a user has manually excepted from every job's candidate
// selection (§4.D step 3's "excepts" set is built from this store
// alone: every excepted channel plus every channel of an excepted
// peer, in both directions).
type ExceptStore struct {
	mu         sync.Mutex
	chansPath  string
	peersPath  string
	chans      map[scid.ID]struct{}
	peers      map[graph.PubKey]struct{}
}

// NewExceptStore returns an ExceptStore backed by excepts.json and
// excepts_peers.json at the given paths.
func NewExceptStore(chansPath, peersPath string) *ExceptStore {
	return &ExceptStore{
		chansPath: chansPath,
		peersPath: peersPath,
		chans:     make(map[scid.ID]struct{}),
		peers:     make(map[graph.PubKey]struct{}),
	}
}

// Load populates both lists. A missing file starts that list empty.
func (s *ExceptStore) Load() error {
	chans, err := loadScidSet(s.chansPath)
	if err != nil {
		return err
	}
	peers, err := loadPeerSet(s.peersPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.chans = chans
	s.peers = peers
	s.mu.Unlock()
	return nil
}

func loadScidSet(path string) (map[scid.ID]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[scid.ID]struct{}), nil
		}
		return nil, err
	}

	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warnf("excepts file %s has unexpected schema, starting empty: %v", path, err)
		return make(map[scid.ID]struct{}), nil
	}

	out := make(map[scid.ID]struct{}, len(raw))
	for _, s := range raw {
		id, err := scid.Parse(s)
		if err != nil {
			log.Warnf("excepts file %s: skipping malformed scid %q: %v", path, s, err)
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func loadPeerSet(path string) (map[graph.PubKey]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[graph.PubKey]struct{}), nil
		}
		return nil, err
	}

	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warnf("excepts peers file %s has unexpected schema, starting empty: %v", path, err)
		return make(map[graph.PubKey]struct{}), nil
	}

	out := make(map[graph.PubKey]struct{}, len(raw))
	for _, s := range raw {
		pk, err := parsePubKeyHex(s)
		if err != nil {
			log.Warnf("excepts peers file %s: skipping malformed pubkey %q: %v", path, s, err)
			continue
		}
		out[pk] = struct{}{}
	}
	return out, nil
}

// AddChan excepts id from every job's candidate selection.
func (s *ExceptStore) AddChan(id scid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans[id] = struct{}{}
}

// RemoveChan un-excepts id.
func (s *ExceptStore) RemoveChan(id scid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chans, id)
}

// AddPeer excepts peer from every job's candidate selection.
func (s *ExceptStore) AddPeer(peer graph.PubKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer] = struct{}{}
}

// RemovePeer un-excepts peer.
func (s *ExceptStore) RemovePeer(peer graph.PubKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer)
}

// Chans returns a value copy of the currently-excepted channel set.
func (s *ExceptStore) Chans() map[scid.ID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[scid.ID]struct{}, len(s.chans))
	for id := range s.chans {
		out[id] = struct{}{}
	}
	return out
}

// Peers returns a value copy of the currently-excepted peer set.
func (s *ExceptStore) Peers() map[graph.PubKey]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[graph.PubKey]struct{}, len(s.peers))
	for p := range s.peers {
		out[p] = struct{}{}
	}
	return out
}

// Flush writes both lists to disk atomically.
func (s *ExceptStore) Flush() error {
	s.mu.Lock()
	chans := make([]string, 0, len(s.chans))
	for id := range s.chans {
		chans = append(chans, id.String())
	}
	peers := make([]string, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, pubKeyHex(p))
	}
	s.mu.Unlock()

	if err := writeAtomic(s.chansPath, chans); err != nil {
		return err
	}
	return writeAtomic(s.peersPath, peers)
}
