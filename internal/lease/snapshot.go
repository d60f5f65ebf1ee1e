package lease

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time view of every lease row, produced by one
// successful poll. It is an owned value: the reconciler builds a fresh one
// per poll and replaces its previous snapshot wholesale.
type Snapshot struct {
	Leases    map[Key]Lease
	FetchedAt time.Time
}

// NewSnapshot builds a snapshot from the supplied leases.
func NewSnapshot(fetchedAt time.Time, leases ...Lease) Snapshot {
	s := Snapshot{Leases: make(map[Key]Lease, len(leases)), FetchedAt: fetchedAt}
	for _, l := range leases {
		s.Leases[l.Key] = l
	}
	return s
}

// Get returns the lease for key. Unknown keys read as available: a row that
// has never been written is semantically an unclaimed pass.
func (s Snapshot) Get(key Key) Lease {
	if l, ok := s.Leases[key]; ok {
		return l
	}
	return Lease{Key: key, Status: StatusAvailable}
}

// OwnedBy returns the keys currently claimed by owner, in stable order.
func (s Snapshot) OwnedBy(owner string) []Key {
	var keys []Key
	for k, l := range s.Leases {
		if l.Claimed() && l.Owner == owner {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ClaimedLeases returns every claimed lease, in stable key order.
func (s Snapshot) ClaimedLeases() []Lease {
	var out []Lease
	for _, l := range s.Leases {
		if l.Claimed() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Validate checks the single-owner invariant on every row.
func (s Snapshot) Validate() error {
	for _, l := range s.Leases {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}
