// Package reconcile decides how an incoming resource snapshot combines with
// the currently accepted state.
//
// Snapshots may carry a sequence number. Sequence numbers order full
// snapshots: a newer sequence replaces the accepted state wholesale, while a
// message sharing the accepted sequence is treated as a partial, additive
// delivery and merged field by field. Without a push connection partial
// merges are not trusted and every snapshot replaces wholesale.
package reconcile

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// SequenceField is the payload key carrying the snapshot ordering number.
// It is extracted during parsing and never appears among a snapshot's fields.
const SequenceField = "seq"

// Snapshot is one incoming observation of a resource, produced per fetch
// response or push event and consumed immediately.
type Snapshot struct {
	// Sequence orders full snapshots. Nil when the payload carried no
	// sequence field; such snapshots always replace wholesale.
	Sequence   *int64
	Fields     map[string]json.RawMessage
	ReceivedAt time.Time
}

// State is the currently accepted payload for a resource plus the sequence
// it was accepted at. Callers outside this package get copies only.
type State struct {
	Sequence  *int64
	Fields    map[string]json.RawMessage
	UpdatedAt time.Time
}

// ParseSnapshot decodes a JSON object payload into a Snapshot, extracting
// the optional sequence field. receivedAt stamps the observation time.
func ParseSnapshot(data []byte, receivedAt time.Time) (*Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	snap := &Snapshot{Fields: fields, ReceivedAt: receivedAt}
	if raw, ok := fields[SequenceField]; ok {
		var seq int64
		if err := json.Unmarshal(raw, &seq); err != nil {
			return nil, fmt.Errorf("decode snapshot sequence: %w", err)
		}
		snap.Sequence = &seq
		delete(fields, SequenceField)
	}
	return snap, nil
}

// ResolveNext combines an incoming snapshot with the current state.
//
// With incoming absent, the last known state is only trustworthy while the
// push channel is live. With incoming present, the snapshot is accepted
// wholesale unless push is connected and both sides carry the same sequence
// number, in which case present fields are merged into a copy of current.
// An incoming sequence older than the accepted one is discarded in merge
// mode: previously merged fields never regress.
//
// The merge path deliberately trusts any same-sequence message to be
// additive. A producer that emits a same-sequence message after clearing a
// field will have the stale value resurrected here; that behavior is
// load-bearing for partial push updates and covered by tests, so keep it.
func ResolveNext(incoming *Snapshot, current *State, pushConnected bool) *State {
	if incoming == nil {
		if pushConnected {
			return current
		}
		return nil
	}

	replace := !pushConnected ||
		current == nil ||
		incoming.Sequence == nil ||
		current.Sequence == nil ||
		*incoming.Sequence > *current.Sequence

	if replace {
		return &State{
			Sequence:  copySequence(incoming.Sequence),
			Fields:    copyFields(incoming.Fields),
			UpdatedAt: incoming.ReceivedAt,
		}
	}

	if *incoming.Sequence < *current.Sequence {
		return current
	}

	merged := &State{
		Sequence:  copySequence(current.Sequence),
		Fields:    copyFields(current.Fields),
		UpdatedAt: incoming.ReceivedAt,
	}
	for name, value := range incoming.Fields {
		if existing, ok := merged.Fields[name]; ok && bytes.Equal(existing, value) {
			continue
		}
		merged.Fields[name] = append(json.RawMessage(nil), value...)
	}
	return merged
}

// Clone returns a deep copy safe to hand to collaborators.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		Sequence:  copySequence(s.Sequence),
		Fields:    copyFields(s.Fields),
		UpdatedAt: s.UpdatedAt,
	}
}

// Encode renders the state's fields, sequence included, as one JSON object.
func (s *State) Encode() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	obj := make(map[string]json.RawMessage, len(s.Fields)+1)
	for name, value := range s.Fields {
		obj[name] = value
	}
	if s.Sequence != nil {
		seq, err := json.Marshal(*s.Sequence)
		if err != nil {
			return nil, err
		}
		obj[SequenceField] = seq
	}
	return json.Marshal(obj)
}

func copySequence(seq *int64) *int64 {
	if seq == nil {
		return nil
	}
	v := *seq
	return &v
}

func copyFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		out[name] = append(json.RawMessage(nil), value...)
	}
	return out
}
