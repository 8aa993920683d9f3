// Package paths defines the transition path sampling domain types and
// their storage registrations: snapshots, trajectories, samples, ensembles
// and volumes over one storage file per simulation.
package paths

import (
	"fmt"

	"github.com/opentis/pathstore/internal/storage"
	"gonum.org/v1/gonum/mat"
)

// Spatial is the number of spatial dimensions per atom.
const Spatial = 3

// Box is the periodic cell of a snapshot. It is a nestable value type:
// boxes are inlined into the snapshot payload instead of getting a store
// of their own.
type Box struct {
	storage.Base
	// Lengths are the cell edge lengths in nanometers, one per spatial
	// dimension.
	Lengths []float64
	// Angles are the cell angles in degrees.
	Angles []float64
}

// Snapshot is one frame of a molecular system. Energies and the box travel
// in the payload; the coordinate and velocity matrices live in dedicated
// float32 columns sized (snapshot, atom, spatial). Coordinates load
// lazily on first access since analysis often only needs path lengths and
// energies.
type Snapshot struct {
	storage.Base

	PotentialEnergy float64
	KineticEnergy   float64
	Box             *Box
	// Reversed marks a snapshot whose velocities are the time-reverse of
	// the stored ones, so reversed trajectories share coordinate data.
	Reversed bool

	coords     *mat.Dense
	velocities *mat.Dense
	loadCoords func() error
}

// SetCoordinates installs the (atom, spatial) coordinate matrix.
func (s *Snapshot) SetCoordinates(m *mat.Dense) {
	s.coords = m
	s.loadCoords = nil
}

// SetVelocities installs the (atom, spatial) velocity matrix.
func (s *Snapshot) SetVelocities(m *mat.Dense) {
	s.velocities = m
}

// Coordinates returns the (atom, spatial) coordinate matrix, reading the
// coordinate column on first access for stored snapshots.
func (s *Snapshot) Coordinates() (*mat.Dense, error) {
	if s.coords == nil && s.loadCoords != nil {
		load := s.loadCoords
		s.loadCoords = nil
		if err := load(); err != nil {
			return nil, fmt.Errorf("paths: load coordinates: %w", err)
		}
	}
	return s.coords, nil
}

// Velocities returns the (atom, spatial) velocity matrix, or nil if the
// snapshot carries none.
func (s *Snapshot) Velocities() *mat.Dense {
	return s.velocities
}

// Trajectory is an ordered sequence of snapshots.
type Trajectory struct {
	storage.Base
	Snapshots []*Snapshot
}

// Len returns the number of snapshots.
func (t *Trajectory) Len() int { return len(t.Snapshots) }

// Sample associates a trajectory with the ensemble and replica it was
// accepted for. Parent links to the sample this one was generated from,
// which forms the move history chain.
type Sample struct {
	storage.Base
	Trajectory *Trajectory
	Ensemble   *Ensemble
	Replica    int
	Parent     *Sample
	Mover      string
}

// Ensemble is a path ensemble, e.g. one TIS interface. Ensembles are
// named and looked up by name on restore.
type Ensemble struct {
	storage.Base
	Description string
	// Lambda is the interface value of the order parameter.
	Lambda float64
}

// Volume is a state or interface volume over a collective variable.
// Volumes are named.
type Volume struct {
	storage.Base
	CV  string
	Min float64
	Max float64
}
