// Package taskregistry implements the per-channel set of rebalance
// task slots and the parallel-ban coordination between sibling slots
// on the same channel (§4.G, component G). Grounded on the teacher's
// single-mutex, short-critical-section map idiom (e.g.
// channeldb.ChannelGraph's own index locking).
package taskregistry

import (
	"sync"

	"github.com/lightningnetwork/sling/scid"
)

// JobMessage is a task's latest reported state (§3 TaskState).
type JobMessage int

const (
	Starting JobMessage = iota
	Rebalancing
	Balanced
	NoCandidates
	HTLCcapped
	Disconnected
	PeerNotFound
	ChanNotNormal
	GraphEmpty
	NoRoute
	TooExp
	PeerBad
	PeerNotReady
	Stopping
	Stopped
	TaskError
	NoJob
)

func (m JobMessage) String() string {
	switch m {
	case Starting:
		return "Starting"
	case Rebalancing:
		return "Rebalancing"
	case Balanced:
		return "Balanced"
	case NoCandidates:
		return "NoCandidates"
	case HTLCcapped:
		return "HTLCcapped"
	case Disconnected:
		return "Disconnected"
	case PeerNotFound:
		return "PeerNotFound"
	case ChanNotNormal:
		return "ChanNotNormal"
	case GraphEmpty:
		return "GraphEmpty"
	case NoRoute:
		return "NoRoute"
	case TooExp:
		return "TooExp"
	case PeerBad:
		return "PeerBad"
	case PeerNotReady:
		return "PeerNotReady"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case TaskError:
		return "Error"
	case NoJob:
		return "NoJob"
	default:
		return "Unknown"
	}
}

// Identifier is a TaskIdentifier: one job-channel's one parallel slot.
type Identifier struct {
	ChanID scid.ID
	Slot   uint16
}

// State is one slot's current bookkeeping.
type State struct {
	Message     JobMessage
	Active      bool
	ShouldStop  bool
	ParallelBan *scid.Key
}

// Registry is the chan_id → slot → State map (§4.G).
type Registry struct {
	mu    sync.Mutex
	tasks map[scid.ID]map[uint16]*State
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tasks: make(map[scid.ID]map[uint16]*State)}
}

// UpsertSlot creates or replaces a slot's state wholesale.
func (r *Registry) UpsertSlot(chanID scid.ID, slot uint16, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.tasks[chanID]
	if !ok {
		slots = make(map[uint16]*State)
		r.tasks[chanID] = slots
	}
	s := st
	slots[slot] = &s
}

// GetTask returns a copy of one slot's state.
func (r *Registry) GetTask(id Identifier) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.tasks[id.ChanID]
	if !ok {
		return State{}, false
	}
	s, ok := slots[id.Slot]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// SetState updates a slot's reported JobMessage.
func (r *Registry) SetState(id Identifier, msg JobMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(id); s != nil {
		s.Message = msg
	}
}

// SetActive updates a slot's active flag.
func (r *Registry) SetActive(id Identifier, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(id); s != nil {
		s.Active = active
	}
}

// Stop requests cooperative shutdown of one slot.
func (r *Registry) Stop(id Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(id); s != nil {
		s.ShouldStop = true
	}
}

// ShouldStop reports whether a slot has been asked to stop.
func (r *Registry) ShouldStop(id Identifier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(id)
	return s != nil && s.ShouldStop
}

// SetParallelBan records the mid-route edge id's task currently holds
// reserved, or clears it when key is nil (§4.F step 5).
func (r *Registry) SetParallelBan(id Identifier, key *scid.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.get(id); s != nil {
		s.ParallelBan = key
	}
}

// GetParallelBans returns the union of every other slot's parallel
// ban on chanID, excluding exclude's own slot.
func (r *Registry) GetParallelBans(chanID scid.ID, exclude uint16) map[scid.Key]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[scid.Key]struct{})
	for slot, s := range r.tasks[chanID] {
		if slot == exclude || s.ParallelBan == nil {
			continue
		}
		out[*s.ParallelBan] = struct{}{}
	}
	return out
}

// RemoveSlot deletes a slot entirely, used when a task is destroyed
// (stop or fatal error) rather than merely idled.
func (r *Registry) RemoveSlot(id Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slots, ok := r.tasks[id.ChanID]; ok {
		delete(slots, id.Slot)
		if len(slots) == 0 {
			delete(r.tasks, id.ChanID)
		}
	}
}

// Slots lists every currently-registered slot for chanID.
func (r *Registry) Slots(chanID scid.ID) []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint16, 0, len(r.tasks[chanID]))
	for slot := range r.tasks[chanID] {
		out = append(out, slot)
	}
	return out
}

// get returns the raw *State for id, or nil. Caller holds r.mu.
func (r *Registry) get(id Identifier) *State {
	slots, ok := r.tasks[id.ChanID]
	if !ok {
		return nil
	}
	return slots[id.Slot]
}
