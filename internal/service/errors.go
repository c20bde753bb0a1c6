package service

import "errors"

// Sentinel errors returned by the controller. The transport layer maps them
// to HTTP status codes.
var (
	// ErrBusy rejects a mutating operation while another one is running.
	ErrBusy = errors.New("an operation is already in progress")
	// ErrRootImmutable rejects deleting the tree root or forking a sibling
	// of it; the root has no parent to fork under.
	ErrRootImmutable = errors.New("the root node cannot be deleted or branched")
	// ErrNotBackedNode rejects remote operations on nodes the engine never
	// issued an id for.
	ErrNotBackedNode = errors.New("node is not backed by the engine")
	// ErrNoSimulation means no simulation matches the given id.
	ErrNoSimulation = errors.New("simulation not found")
	// ErrNodeNotFound means the node id is not in the current tree.
	ErrNodeNotFound = errors.New("node not found")
	// ErrExperimentNotFound means the experiment id is unknown.
	ErrExperimentNotFound = errors.New("experiment not found")
)
