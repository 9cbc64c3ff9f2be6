// Package diagram holds the value types exchanged between the diagram
// backend, the loader and the scene reconciler.
package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Identifier names one network element whose diagram is displayed. It is the
// cache key of the loader.
type Identifier string

// ErrConnectionUnavailable reports that no backend handle is attached yet.
// The loader treats it as a routing condition, never as a failure.
var ErrConnectionUnavailable = errors.New("backend connection unavailable")

// ErrNotFound is returned by fetchers when the backend has no diagram for the
// requested identifier.
var ErrNotFound = errors.New("diagram not found")

// Snapshot is one immutable fetch result. It is replaced wholesale on every
// successful fetch and never mutated in place.
type Snapshot struct {
	SVG       string    `json:"svg"`
	Metadata  Metadata  `json:"metadata"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Metadata cross-references SVG element ids with network model objects.
type Metadata struct {
	Nodes       []Node       `json:"nodes"`
	Wires       []Wire       `json:"wires"`
	FeederInfos []FeederInfo `json:"feederInfos"`
}

// Node describes a graph node of the diagram.
type Node struct {
	ID                 string `json:"id"`
	EquipmentID        string `json:"equipmentId,omitempty"`
	ComponentType      string `json:"componentType,omitempty"`
	Open               *bool  `json:"open,omitempty"`
	NextVoltageLevelID string `json:"nextVId,omitempty"`
}

// Wire describes an edge between two nodes.
type Wire struct {
	ID      string `json:"id"`
	NodeID1 string `json:"nodeId1,omitempty"`
	NodeID2 string `json:"nodeId2,omitempty"`
}

// FeederInfo describes a measurement label attached to a feeder.
type FeederInfo struct {
	ID            string `json:"id"`
	ComponentType string `json:"componentType"`
	EquipmentID   string `json:"equipmentId,omitempty"`
}

// ParseMetadata decodes the JSON metadata document produced by the backend.
func ParseMetadata(raw []byte) (Metadata, error) {
	var meta Metadata
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Fetcher retrieves a diagram snapshot for an identifier.
//
// Implementations must be safe for concurrent use; the loader issues at most
// one fetch at a time but may be torn down while a fetch is in flight, in which
// case the context is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, id Identifier) (Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id Identifier) (Snapshot, error)

// Fetch calls f(ctx, id).
func (f FetcherFunc) Fetch(ctx context.Context, id Identifier) (Snapshot, error) {
	return f(ctx, id)
}
