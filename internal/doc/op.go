package doc

import (
	"encoding/json"
	"fmt"
)

// Step addresses one level of the document tree. Key steps index into maps,
// index steps into arrays. The first step of a path names a root container.
type Step struct {
	Key     string `json:"k,omitempty"`
	Index   int    `json:"i,omitempty"`
	IsIndex bool   `json:"x,omitempty"`
}

type OpKind string

const (
	OpMapSet      OpKind = "mset"
	OpMapDelete   OpKind = "mdel"
	OpArrayInsert OpKind = "ains"
	OpArrayDelete OpKind = "adel"
	// OpSnapshot replaces the entire document. Used for full-state hand-off
	// and snapshot import; its inverse is the previous full snapshot.
	OpSnapshot OpKind = "snap"
)

// Op is a single mutation. Value carries encoded (JSON-plain) data so ops
// survive serialization across transports and the persistence mirror.
type Op struct {
	Kind  OpKind `json:"op"`
	Path  []Step `json:"path,omitempty"`
	Key   string `json:"key,omitempty"`
	Index int    `json:"idx,omitempty"`
	Value any    `json:"val,omitempty"`
}

// Update is the unit handed to subscribers and exchanged between replicas.
// It round-trips through JSON unchanged.
type Update struct {
	Ops []Op `json:"ops"`
}

// Encode serializes the update for transport or storage.
func (u Update) Encode() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses a serialized update.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}
