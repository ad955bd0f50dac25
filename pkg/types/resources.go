package types

// ValueType is the kind of value a Resource carries.
type ValueType string

const (
	ValueScalar ValueType = "SCALAR"
	ValueRange  ValueType = "RANGE"
	ValueSet    ValueType = "SET"
)

// ValueRangeEntry is an inclusive [Begin, End] range, e.g. a port range.
type ValueRangeEntry struct {
	Begin uint64
	End   uint64
}

// ReservationType distinguishes a reservation made by an operator
// ("static", fixed at agent startup) from one made dynamically through
// a Reserve operation.
type ReservationType string

const (
	ReservationStatic  ReservationType = "STATIC"
	ReservationDynamic ReservationType = "DYNAMIC"
)

// Reservation is one entry in a resource's reservation stack.
type Reservation struct {
	Type      ReservationType
	Principal string
	Labels    map[string]string
}

// Persistence identifies a persistent volume: a reserved disk resource
// with an explicit on-disk directory identified by (role, id).
type Persistence struct {
	ID        string
	Principal string
}

// DiskInfo is a Resource's optional persistent-volume disk metadata.
type DiskInfo struct {
	Persistence   *Persistence
	ContainerPath string
	ReadOnly      bool
}

// Resource is a single named, typed quantity with reservation,
// persistence, shared, revocable, and provider facets.
type Resource struct {
	Name string
	Type ValueType

	Scalar float64
	Ranges []ValueRangeEntry
	Set    []string

	Role Role

	// ReservationStack is ordered outermost-first: index 0 is the
	// outermost (first-applied) reservation.
	ReservationStack []Reservation

	Disk *DiskInfo

	Shared     bool
	Revocable  bool
	ProviderID string
}

// IsReserved reports whether the resource carries any reservation.
func (r Resource) IsReserved() bool {
	return len(r.ReservationStack) > 0
}

// Stripped returns a copy of r with all reservation, persistence,
// and provider metadata removed, leaving only name and scalar/range/set
// value. This is the unit used for quota accounting.
func (r Resource) Stripped() Resource {
	return Resource{Name: r.Name, Type: r.Type, Scalar: r.Scalar, Ranges: r.Ranges, Set: r.Set}
}

// Clone returns a deep-enough copy of r safe to mutate independently.
func (r Resource) Clone() Resource {
	out := r
	if r.Ranges != nil {
		out.Ranges = append([]ValueRangeEntry(nil), r.Ranges...)
	}
	if r.Set != nil {
		out.Set = append([]string(nil), r.Set...)
	}
	if r.ReservationStack != nil {
		out.ReservationStack = append([]Reservation(nil), r.ReservationStack...)
	}
	if r.Disk != nil {
		d := *r.Disk
		out.Disk = &d
	}
	return out
}

// instanceKey groups resources that can be summed as the same scalar
// bucket: same name, role, and shared/revocable/provider flags. The
// reservation stack is not part of the key, so resources that differ
// only in their reservation entries share a bucket.
type instanceKey struct {
	name       string
	role       Role
	shared     bool
	revocable  bool
	providerID string
}

func (r Resource) key() instanceKey {
	return instanceKey{r.Name, r.Role, r.Shared, r.Revocable, r.ProviderID}
}

// Resources is an unordered bundle of Resource values. Operations treat
// it as a multiset keyed by instanceKey for scalar resources.
type Resources []Resource

// Clone returns a deep copy of rs.
func (rs Resources) Clone() Resources {
	out := make(Resources, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

// ScalarSum returns the sum of all scalar resources named name.
func (rs Resources) ScalarSum(name string) float64 {
	var total float64
	for _, r := range rs {
		if r.Type == ValueScalar && r.Name == name {
			total += r.Scalar
		}
	}
	return total
}

// Names returns the distinct resource names present, scalar or not.
func (rs Resources) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, r := range rs {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	return names
}

// Stripped returns a copy of rs with every resource reduced to its
// stripped scalar form, merging same-name entries.
func (rs Resources) Stripped() Resources {
	sums := map[string]float64{}
	order := []string{}
	for _, r := range rs {
		if r.Type != ValueScalar {
			continue
		}
		if _, ok := sums[r.Name]; !ok {
			order = append(order, r.Name)
		}
		sums[r.Name] += r.Scalar
	}
	out := make(Resources, 0, len(order))
	for _, name := range order {
		out = append(out, Resource{Name: name, Type: ValueScalar, Scalar: sums[name]})
	}
	return out
}

// Reserved returns the subset of rs reserved for role (including
// resources reserved for an ancestor role, since descendants inherit
// ancestor reservations).
func (rs Resources) Reserved(role Role) Resources {
	var out Resources
	ancestry := map[Role]bool{role: true}
	for _, a := range role.Ancestors() {
		ancestry[a] = true
	}
	for _, r := range rs {
		if r.IsReserved() && ancestry[r.Role] {
			out = append(out, r)
		}
	}
	return out
}

// Unreserved returns the subset of rs carrying no reservation.
func (rs Resources) Unreserved() Resources {
	var out Resources
	for _, r := range rs {
		if !r.IsReserved() {
			out = append(out, r)
		}
	}
	return out
}

// NonRevocable returns the subset of rs that is not revocable.
func (rs Resources) NonRevocable() Resources {
	var out Resources
	for _, r := range rs {
		if !r.Revocable {
			out = append(out, r)
		}
	}
	return out
}

// Revocable returns the subset of rs that is revocable.
func (rs Resources) Revocable() Resources {
	var out Resources
	for _, r := range rs {
		if r.Revocable {
			out = append(out, r)
		}
	}
	return out
}

// NonShared returns the subset of rs that is not shared.
func (rs Resources) NonShared() Resources {
	var out Resources
	for _, r := range rs {
		if !r.Shared {
			out = append(out, r)
		}
	}
	return out
}

// SharedOnly returns the subset of rs that is shared.
func (rs Resources) SharedOnly() Resources {
	var out Resources
	for _, r := range rs {
		if r.Shared {
			out = append(out, r)
		}
	}
	return out
}

// Add returns rs with the scalar portions of other merged in, summing
// matching instance keys and appending new ones. Non-scalar resources
// from other are appended as-is.
func (rs Resources) Add(other Resources) Resources {
	out := rs.Clone()
	for _, r := range other {
		if r.Type != ValueScalar {
			out = append(out, r.Clone())
			continue
		}
		merged := false
		for i := range out {
			if out[i].Type == ValueScalar && out[i].key() == r.key() {
				out[i].Scalar += r.Scalar
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Subtract returns rs with the scalar portions of other removed,
// clamped at zero, and zero-quantity entries dropped. For each
// non-scalar resource in other, the first entry of rs with the same
// name and type is removed; range and set values are not compared.
func (rs Resources) Subtract(other Resources) Resources {
	out := rs.Clone()
	for _, r := range other {
		if r.Type != ValueScalar {
			out = removeFirstEqual(out, r)
			continue
		}
		for i := range out {
			if out[i].Type == ValueScalar && out[i].key() == r.key() {
				out[i].Scalar -= r.Scalar
				if out[i].Scalar < 0 {
					out[i].Scalar = 0
				}
				break
			}
		}
	}
	return compact(out)
}

func removeFirstEqual(rs Resources, target Resource) Resources {
	for i, r := range rs {
		if r.Name == target.Name && r.Type == target.Type {
			return append(rs[:i:i], rs[i+1:]...)
		}
	}
	return rs
}

func compact(rs Resources) Resources {
	out := rs[:0:0]
	for _, r := range rs {
		if r.Type == ValueScalar && r.Scalar <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Contains reports whether rs has at least as much of every scalar
// resource in other, and has an entry with the same name and type for
// every non-scalar resource in other; range and set values are not
// compared.
// This is the superset test used by RefusedResources offer filters.
func (rs Resources) Contains(other Resources) bool {
	for _, r := range other {
		if r.Type != ValueScalar {
			if !containsExact(rs, r) {
				return false
			}
			continue
		}
		if rs.ScalarSum(r.Name) < r.Scalar {
			return false
		}
	}
	return true
}

func containsExact(rs Resources, target Resource) bool {
	for _, r := range rs {
		if r.Name == target.Name && r.Type == target.Type {
			return true
		}
	}
	return false
}

// Conversion is one (consumed, converted) pair applied atomically by Apply.
type Conversion struct {
	Consumed  Resources
	Converted Resources
}

// Apply atomically transforms rs by removing each conversion's Consumed
// set and adding its Converted set, used for operations like
// CreateVolume (consumes raw disk, produces a persistent volume) or
// Grow/Shrink.
func (rs Resources) Apply(conversions []Conversion) Resources {
	out := rs
	for _, c := range conversions {
		out = out.Subtract(c.Consumed).Add(c.Converted)
	}
	return out
}

// AllocatableTo returns the resources of rs available to role: its
// unreserved portion plus its own and ancestor reservations.
func (rs Resources) AllocatableTo(role Role) Resources {
	return rs.Unreserved().Add(rs.Reserved(role))
}

const (
	// MinAllocatableCPUs and MinAllocatableMem are the default
	// allocatable() thresholds: an offer must clear at least one.
	MinAllocatableCPUs = 0.01
	MinAllocatableMem  = 32.0 // MB
)

// Allocatable reports whether rs clears the minimum cpu-or-mem threshold
// for being worth offering.
func (rs Resources) Allocatable() bool {
	return rs.ScalarSum("cpus") >= MinAllocatableCPUs || rs.ScalarSum("mem") >= MinAllocatableMem
}
