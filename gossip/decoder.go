// Package gossip implements the stateless parser over the host's
// append-only gossip_store log (§4.A, component A). It never touches
// a file handle itself: callers (package gossipsrc) supply raw bytes
// and a reusable cursor, and this package turns them into typed
// events the graph store can apply.
package gossip

import (
	"encoding/binary"
	"fmt"

	"github.com/lightningnetwork/sling/graph"
	"github.com/lightningnetwork/sling/scid"
)

// EventKind discriminates the typed events ParseChunk emits.
type EventKind int

const (
	// EventAnnouncement carries a channel_announcement.
	EventAnnouncement EventKind = iota
	// EventUpdate carries a channel_update for one direction.
	EventUpdate
	// EventDelete carries a delete_chan or chan_dying record.
	EventDelete
)

// Event is one decoded gossip record ready to apply to a graph.Graph.
type Event struct {
	Kind EventKind
	Ann  graph.Announcement
	Upd  graph.PolicyUpdate
	SCID scid.ID
}

// CheckVersion validates the single leading version byte a gossip_store
// file carries at offset 0 (only present/checked on startup, §4.A).
func CheckVersion(b byte) error {
	if b&0b1110_0000 != 0 {
		return fmt.Errorf("gossip: unsupported gossip_store version byte 0x%02x", b)
	}
	return nil
}

const (
	recordHeaderLen = 14 // flags(2) + len(2) + reserved(8) + msg_type(2)
	flagDeleted     = 0x8000
	flagDying       = 0x0800
)

// ParseChunk decodes as many complete records as fit in buf, starting
// at offset 0, and returns the events found plus how many bytes were
// consumed. If the tail of buf holds a partial record, consumed stops
// at that record's start so the caller can re-read it whole next time
// (§4.A "If a record straddles the buffer tail...").
func ParseChunk(buf []byte) (events []Event, consumed int) {
	offset := 0

	for offset+recordHeaderLen < len(buf) {
		recordStart := offset

		flags := binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2

		length := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 10 // skip the len field itself + 8 reserved bytes

		if offset+length > len(buf) {
			offset = recordStart
			break
		}

		msgType := binary.BigEndian.Uint16(buf[offset : offset+2])
		offset += 2

		if flags&(flagDeleted|flagDying) != 0 {
			offset += length - 2
			continue
		}

		switch msgType {
		case 256: // public channel_announcement
			ann, err := parseChannelAnnouncement(buf[offset : offset+length-2])
			offset += length - 2
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: EventAnnouncement, Ann: ann})

		case 4104: // private channel_announcement: amount_sat(8) + inner_len(2) + msg_type+payload
			ann, err := parseChannelAnnouncement(buf[offset+12 : offset+length-2])
			offset += length - 2
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: EventAnnouncement, Ann: ann})

		case 258: // channel_update
			upd, id, err := parseChannelUpdate(buf[offset : offset+length-2])
			offset += length - 2
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: EventUpdate, Upd: upd, SCID: id})

		case 4102: // private channel_update: len(2) + msg_type+payload
			upd, id, err := parseChannelUpdate(buf[offset+4 : offset+length-2])
			offset += length - 2
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: EventUpdate, Upd: upd, SCID: id})

		case 4101: // gossip_store_channel_amount: satoshis u64, no graph effect
			offset += 8

		case 4103: // gossip_store_delete_chan: scid u64
			id, err := extractSCID(buf[offset : offset+8])
			offset += 8
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: EventDelete, SCID: id})

		case 4106: // gossip_store_chan_dying: scid u64 + blockheight u32
			id, err := extractSCID(buf[offset : offset+8])
			offset += 12
			if err != nil {
				continue
			}
			events = append(events, Event{Kind: EventDelete, SCID: id})

		default:
			offset += length - 2
		}
	}

	return events, offset
}

func extractSCID(b []byte) (scid.ID, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("gossip: short scid field")
	}
	return scid.ID(binary.BigEndian.Uint64(b[:8])), nil
}

// parseChannelAnnouncement mirrors the original parser byte-for-byte:
// four 64-byte signatures, a u16 feature-vector length, the feature
// vector itself, a 32-byte chain hash, the scid, and the two node ids.
func parseChannelAnnouncement(b []byte) (graph.Announcement, error) {
	const sigBlock = 256
	if len(b) < sigBlock+2 {
		return graph.Announcement{}, fmt.Errorf("gossip: short channel_announcement")
	}
	featLen := int(binary.BigEndian.Uint16(b[sigBlock : sigBlock+2]))

	scidOff := sigBlock + 2 + featLen + 32
	if len(b) < scidOff+8+33+33 {
		return graph.Announcement{}, fmt.Errorf("gossip: short channel_announcement body")
	}

	id, err := extractSCID(b[scidOff : scidOff+8])
	if err != nil {
		return graph.Announcement{}, err
	}

	nodeA, err := graph.ParsePubKey(b[scidOff+8 : scidOff+8+33])
	if err != nil {
		return graph.Announcement{}, fmt.Errorf("gossip: channel_announcement node_1: %w", err)
	}
	nodeB, err := graph.ParsePubKey(b[scidOff+8+33 : scidOff+8+66])
	if err != nil {
		return graph.Announcement{}, fmt.Errorf("gossip: channel_announcement node_2: %w", err)
	}

	return graph.Announcement{SCID: id, NodeA: nodeA, NodeB: nodeB}, nil
}

// parseChannelUpdate mirrors the original parser's fixed offsets into
// the channel_update wire record.
func parseChannelUpdate(b []byte) (graph.PolicyUpdate, scid.ID, error) {
	if len(b) < 136 {
		return graph.PolicyUpdate{}, 0, fmt.Errorf("gossip: short channel_update")
	}

	id, err := extractSCID(b[96:104])
	if err != nil {
		return graph.PolicyUpdate{}, 0, err
	}

	channelFlags := b[109]
	dir := scid.DirZero
	if channelFlags&0b0000_0001 != 0 {
		dir = scid.DirOne
	}
	active := (channelFlags&0b0000_0010)>>1 != 1

	upd := graph.PolicyUpdate{
		Direction:   dir,
		Active:      active,
		LastUpdate:  binary.BigEndian.Uint32(b[104:108]),
		CLTVDelta:   uint16(b[110])<<8 | uint16(b[111]),
		HTLCMinMsat: binary.BigEndian.Uint64(b[112:120]),
		BaseFeeMsat: binary.BigEndian.Uint32(b[120:124]),
		FeePPM:      binary.BigEndian.Uint32(b[124:128]),
		HTLCMaxMsat: binary.BigEndian.Uint64(b[128:136]),
	}
	return upd, id, nil
}
