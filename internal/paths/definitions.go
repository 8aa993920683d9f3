package paths

import (
	"fmt"

	"github.com/opentis/pathstore/internal/colfile"
	"github.com/opentis/pathstore/internal/storage"
	"gonum.org/v1/gonum/mat"
)

// Store names in the backing file.
const (
	StoreSnapshot   = "snapshot"
	StoreTrajectory = "trajectory"
	StoreSample     = "sample"
	StoreEnsemble   = "ensemble"
	StoreVolume     = "volume"
)

// Stores bundles the typed object stores of one simulation file.
type Stores struct {
	Storage      *storage.Storage
	Snapshots    *storage.Store
	Trajectories *storage.Store
	Samples      *storage.Store
	Ensembles    *storage.Store
	Volumes      *storage.Store
}

// RegisterAll registers the full domain schema on st: the atom and spatial
// dimensions, the nestable box type, and the five object stores. natoms
// fixes the coordinate column width; on restore it is verified against the
// file.
func RegisterAll(st *storage.Storage, natoms int) (*Stores, error) {
	if natoms <= 0 {
		return nil, fmt.Errorf("paths: atom count must be positive, got %d", natoms)
	}
	if err := st.CreateDimension("atom", natoms); err != nil {
		return nil, err
	}
	if err := st.CreateDimension("spatial", Spatial); err != nil {
		return nil, err
	}
	if err := st.RegisterType(boxDef()); err != nil {
		return nil, err
	}

	s := &Stores{Storage: st}
	var err error
	if s.Snapshots, err = st.Register(StoreSnapshot, snapshotDef(), storage.Options{
		Columns: []storage.ColumnSpec{coordinateColumn(natoms), velocityColumn(natoms)},
	}); err != nil {
		return nil, err
	}
	if s.Trajectories, err = st.Register(StoreTrajectory, trajectoryDef(), storage.Options{
		HasUID: true,
	}); err != nil {
		return nil, err
	}
	if s.Samples, err = st.Register(StoreSample, sampleDef(), storage.Options{
		HasUID: true,
	}); err != nil {
		return nil, err
	}
	if s.Ensembles, err = st.Register(StoreEnsemble, ensembleDef(), storage.Options{
		HasName: true,
	}); err != nil {
		return nil, err
	}
	if s.Volumes, err = st.Register(StoreVolume, volumeDef(), storage.Options{
		HasName: true,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot loads a snapshot by index.
func (s *Stores) Snapshot(idx int) (*Snapshot, error) {
	obj, err := s.Snapshots.Load(idx)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Snapshot), nil
}

// Trajectory loads a trajectory by index.
func (s *Stores) Trajectory(idx int) (*Trajectory, error) {
	obj, err := s.Trajectories.Load(idx)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Trajectory), nil
}

// Sample loads a sample by index.
func (s *Stores) Sample(idx int) (*Sample, error) {
	obj, err := s.Samples.Load(idx)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Sample), nil
}

// EnsembleByName loads the first ensemble saved under name.
func (s *Stores) EnsembleByName(name string) (*Ensemble, error) {
	obj, err := s.Ensembles.LoadName(name)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Ensemble), nil
}

// VolumeByName loads the first volume saved under name.
func (s *Stores) VolumeByName(name string) (*Volume, error) {
	obj, err := s.Volumes.LoadName(name)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Volume), nil
}

func boxDef() *storage.Definition {
	return &storage.Definition{
		Class:    "box",
		New:      func() storage.Storable { return &Box{} },
		Nestable: true,
		Fields: []storage.Field{
			{
				Name: "lengths", Kind: storage.KindList, Elem: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Box).Lengths },
				Set: func(o storage.Storable, v any) { o.(*Box).Lengths = v.([]float64) },
			},
			{
				Name: "angles", Kind: storage.KindList, Elem: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Box).Angles },
				Set: func(o storage.Storable, v any) { o.(*Box).Angles = v.([]float64) },
			},
		},
	}
}

func snapshotDef() *storage.Definition {
	return &storage.Definition{
		Class: "snapshot",
		New:   func() storage.Storable { return &Snapshot{} },
		Fields: []storage.Field{
			{
				Name: "potential_energy", Kind: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Snapshot).PotentialEnergy },
				Set: func(o storage.Storable, v any) { o.(*Snapshot).PotentialEnergy = v.(float64) },
			},
			{
				Name: "kinetic_energy", Kind: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Snapshot).KineticEnergy },
				Set: func(o storage.Storable, v any) { o.(*Snapshot).KineticEnergy = v.(float64) },
			},
			{
				Name: "reversed", Kind: storage.KindBool,
				Get: func(o storage.Storable) any { return o.(*Snapshot).Reversed },
				Set: func(o storage.Storable, v any) { o.(*Snapshot).Reversed = v.(bool) },
			},
			{
				Name: "box", Kind: storage.KindObject,
				Get: func(o storage.Storable) any {
					if o.(*Snapshot).Box == nil {
						return nil
					}
					return o.(*Snapshot).Box
				},
				Set: func(o storage.Storable, v any) {
					if v == nil {
						o.(*Snapshot).Box = nil
						return
					}
					o.(*Snapshot).Box = v.(*Box)
				},
			},
		},
	}
}

func trajectoryDef() *storage.Definition {
	return &storage.Definition{
		Class: "trajectory",
		New:   func() storage.Storable { return &Trajectory{} },
		Fields: []storage.Field{
			{
				Name: "snapshots", Kind: storage.KindList, Elem: storage.KindObject, Store: StoreSnapshot,
				Get: func(o storage.Storable) any {
					tr := o.(*Trajectory)
					out := make([]storage.Storable, len(tr.Snapshots))
					for i, snap := range tr.Snapshots {
						out[i] = snap
					}
					return out
				},
				Set: func(o storage.Storable, v any) {
					objs := v.([]storage.Storable)
					tr := o.(*Trajectory)
					tr.Snapshots = make([]*Snapshot, len(objs))
					for i, obj := range objs {
						tr.Snapshots[i] = obj.(*Snapshot)
					}
				},
			},
		},
	}
}

func sampleDef() *storage.Definition {
	return &storage.Definition{
		Class: "sample",
		New:   func() storage.Storable { return &Sample{} },
		Fields: []storage.Field{
			{
				Name: "trajectory", Kind: storage.KindObject, Store: StoreTrajectory,
				Get: func(o storage.Storable) any {
					if o.(*Sample).Trajectory == nil {
						return nil
					}
					return o.(*Sample).Trajectory
				},
				Set: func(o storage.Storable, v any) {
					if v == nil {
						o.(*Sample).Trajectory = nil
						return
					}
					o.(*Sample).Trajectory = v.(*Trajectory)
				},
			},
			{
				Name: "ensemble", Kind: storage.KindObject, Store: StoreEnsemble,
				Get: func(o storage.Storable) any {
					if o.(*Sample).Ensemble == nil {
						return nil
					}
					return o.(*Sample).Ensemble
				},
				Set: func(o storage.Storable, v any) {
					if v == nil {
						o.(*Sample).Ensemble = nil
						return
					}
					o.(*Sample).Ensemble = v.(*Ensemble)
				},
			},
			{
				Name: "replica", Kind: storage.KindInt,
				Get: func(o storage.Storable) any { return o.(*Sample).Replica },
				Set: func(o storage.Storable, v any) { o.(*Sample).Replica = v.(int) },
			},
			{
				Name: "parent", Kind: storage.KindObject, Store: StoreSample,
				Get: func(o storage.Storable) any {
					if o.(*Sample).Parent == nil {
						return nil
					}
					return o.(*Sample).Parent
				},
				Set: func(o storage.Storable, v any) {
					if v == nil {
						o.(*Sample).Parent = nil
						return
					}
					o.(*Sample).Parent = v.(*Sample)
				},
			},
			{
				Name: "mover", Kind: storage.KindStr,
				Get: func(o storage.Storable) any { return o.(*Sample).Mover },
				Set: func(o storage.Storable, v any) { o.(*Sample).Mover = v.(string) },
			},
		},
	}
}

func ensembleDef() *storage.Definition {
	return &storage.Definition{
		Class: "ensemble",
		New:   func() storage.Storable { return &Ensemble{} },
		Fields: []storage.Field{
			{
				Name: "description", Kind: storage.KindStr,
				Get: func(o storage.Storable) any { return o.(*Ensemble).Description },
				Set: func(o storage.Storable, v any) { o.(*Ensemble).Description = v.(string) },
			},
			{
				Name: "lambda", Kind: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Ensemble).Lambda },
				Set: func(o storage.Storable, v any) { o.(*Ensemble).Lambda = v.(float64) },
			},
		},
	}
}

func volumeDef() *storage.Definition {
	return &storage.Definition{
		Class: "volume",
		New:   func() storage.Storable { return &Volume{} },
		Fields: []storage.Field{
			{
				Name: "cv", Kind: storage.KindStr,
				Get: func(o storage.Storable) any { return o.(*Volume).CV },
				Set: func(o storage.Storable, v any) { o.(*Volume).CV = v.(string) },
			},
			{
				Name: "min", Kind: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Volume).Min },
				Set: func(o storage.Storable, v any) { o.(*Volume).Min = v.(float64) },
			},
			{
				Name: "max", Kind: storage.KindFloat,
				Get: func(o storage.Storable) any { return o.(*Volume).Max },
				Set: func(o storage.Storable, v any) { o.(*Volume).Max = v.(float64) },
			},
		},
	}
}

// coordinateColumn stores the (atom, spatial) coordinate matrix as a lazy
// float32 column next to the snapshot payload.
func coordinateColumn(natoms int) storage.ColumnSpec {
	return storage.ColumnSpec{
		Name: "coordinates",
		Type: colfile.TypeFloat32,
		Dims: []string{"atom", "spatial"},
		Unit: "nm",
		Save: func(v *colfile.Variable, idx int, obj storage.Storable) error {
			snap := obj.(*Snapshot)
			if snap.coords == nil {
				return nil
			}
			flat, err := flatten(snap.coords, natoms)
			if err != nil {
				return err
			}
			return v.SetFloat32s(idx, flat)
		},
		Load: func(v *colfile.Variable, idx int, obj storage.Storable) error {
			flat, err := v.GetFloat32s(idx)
			if err != nil || flat == nil {
				return err
			}
			m, err := unflatten(flat, natoms)
			if err != nil {
				return err
			}
			obj.(*Snapshot).coords = m
			return nil
		},
		Lazy: true,
		Attach: func(obj storage.Storable, load func() error) {
			obj.(*Snapshot).loadCoords = load
		},
	}
}

// velocityColumn stores the velocity matrix eagerly; it is empty for
// snapshots without velocities.
func velocityColumn(natoms int) storage.ColumnSpec {
	return storage.ColumnSpec{
		Name: "velocities",
		Type: colfile.TypeFloat32,
		Dims: []string{"atom", "spatial"},
		Unit: "nm/ps",
		Save: func(v *colfile.Variable, idx int, obj storage.Storable) error {
			snap := obj.(*Snapshot)
			if snap.velocities == nil {
				return nil
			}
			flat, err := flatten(snap.velocities, natoms)
			if err != nil {
				return err
			}
			return v.SetFloat32s(idx, flat)
		},
		Load: func(v *colfile.Variable, idx int, obj storage.Storable) error {
			flat, err := v.GetFloat32s(idx)
			if err != nil || flat == nil {
				return err
			}
			m, err := unflatten(flat, natoms)
			if err != nil {
				return err
			}
			obj.(*Snapshot).velocities = m
			return nil
		},
	}
}

// flatten packs an (atom, spatial) matrix row-major into float32s after
// checking it matches the column shape.
func flatten(m *mat.Dense, natoms int) ([]float32, error) {
	r, c := m.Dims()
	if r != natoms || c != Spatial {
		return nil, fmt.Errorf("paths: matrix is %dx%d, column wants %dx%d", r, c, natoms, Spatial)
	}
	out := make([]float32, 0, r*c)
	for i := range r {
		for j := range c {
			out = append(out, float32(m.At(i, j)))
		}
	}
	return out, nil
}

func unflatten(flat []float32, natoms int) (*mat.Dense, error) {
	if len(flat) != natoms*Spatial {
		return nil, fmt.Errorf("paths: column holds %d values, want %d atoms x %d", len(flat), natoms, Spatial)
	}
	data := make([]float64, len(flat))
	for i, x := range flat {
		data[i] = float64(x)
	}
	return mat.NewDense(natoms, Spatial, data), nil
}
