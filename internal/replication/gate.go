package replication

import (
	"github.com/quillstore/quill/internal/errors"
	"github.com/quillstore/quill/internal/model"
)

// ReadSafetyGate decides whether a standby may serve a read at a given
// bound. The decision is a pure function of the durable replica state:
// the pipeline must be in a readable mode and the bound must not exceed
// the locally applied commit horizon. The gate never consults the
// authority, clocks, or any in-flight batch.
type ReadSafetyGate struct {
	state *StateStore
}

// NewReadSafetyGate builds the gate over the durable replica state.
func NewReadSafetyGate(state *StateStore) *ReadSafetyGate {
	return &ReadSafetyGate{state: state}
}

// PermitRead implements engine.ReadGate.
func (g *ReadSafetyGate) PermitRead(bound uint64) error {
	current := g.state.Current()
	if !current.Mode.Readable() {
		return errors.StandbyNotReadable(string(current.Mode))
	}
	if bound > current.LocalCommitHorizon {
		return errors.ReadBeyondHorizon(bound, current.LocalCommitHorizon)
	}
	return nil
}

// Describe reports the state the last decision would have been made
// against. Serves explain traces and status reporting.
func (g *ReadSafetyGate) Describe() model.ReplicaState {
	return g.state.Current()
}
