package eventstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
)

// MemoryRepository keeps streams in process. Appends are staged on the
// memdb transaction and become visible on Commit.
type MemoryRepository struct {
	db        *memdb.DB
	streams   map[string]*memStream
	snapshots map[string]Snapshot
}

type memStream struct {
	aggregateType string
	events        []Event
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(mdb *memdb.DB) *MemoryRepository {
	return &MemoryRepository{
		db:        mdb,
		streams:   map[string]*memStream{},
		snapshots: map[string]Snapshot{},
	}
}

func (r *MemoryRepository) AppendEvents(_ context.Context, tx db.Tx, aggregateID, aggregateType string, expected int64, events []Event) error {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return err
	}

	key := "eventstore:" + aggregateID
	var current int64
	if v, ok := mtx.Scratch(key); ok {
		current = v.(int64)
	} else {
		r.db.View(func() {
			if s, ok := r.streams[aggregateID]; ok {
				current = int64(len(s.events))
			}
		})
	}
	if current != expected {
		return &ConflictError{AggregateID: aggregateID, Expected: expected, Current: current}
	}
	mtx.SetScratch(key, expected+int64(len(events)))

	staged := append([]Event(nil), events...)
	mtx.Defer(func() {
		s, ok := r.streams[aggregateID]
		if !ok {
			s = &memStream{aggregateType: aggregateType}
			r.streams[aggregateID] = s
		}
		s.events = append(s.events, staged...)
	})
	return nil
}

func (r *MemoryRepository) LoadEvents(_ context.Context, aggregateID string, fromVersion int64, limit int) ([]Event, error) {
	var out []Event
	r.db.View(func() {
		s, ok := r.streams[aggregateID]
		if !ok || fromVersion > int64(len(s.events)) {
			return
		}
		if fromVersion < 1 {
			fromVersion = 1
		}
		tail := s.events[fromVersion-1:]
		if limit > 0 && len(tail) > limit {
			tail = tail[:limit]
		}
		out = append(out, tail...)
	})
	return out, nil
}

func (r *MemoryRepository) StreamVersion(_ context.Context, aggregateID string) (string, int64, error) {
	var (
		aggregateType string
		version       int64
		found         bool
	)
	r.db.View(func() {
		if s, ok := r.streams[aggregateID]; ok {
			aggregateType, version, found = s.aggregateType, int64(len(s.events)), true
		}
	})
	if !found {
		return "", 0, fmt.Errorf("%w: %s", ErrAggregateNotFound, aggregateID)
	}
	return aggregateType, version, nil
}

func (r *MemoryRepository) LoadSnapshot(_ context.Context, aggregateID string) (Snapshot, bool, error) {
	var (
		snap Snapshot
		ok   bool
	)
	r.db.View(func() {
		snap, ok = r.snapshots[aggregateID]
	})
	if ok {
		snap.State = append([]byte(nil), snap.State...)
	}
	return snap, ok, nil
}

func (r *MemoryRepository) SaveSnapshot(_ context.Context, snap Snapshot) error {
	snap.State = append([]byte(nil), snap.State...)
	r.db.Update(func() {
		if cur, ok := r.snapshots[snap.AggregateID]; ok && cur.Version >= snap.Version {
			return
		}
		r.snapshots[snap.AggregateID] = snap
	})
	return nil
}

func (r *MemoryRepository) SnapshotCandidates(_ context.Context, threshold int64, limit int) ([]Candidate, error) {
	var out []Candidate
	r.db.View(func() {
		for id, s := range r.streams {
			c := Candidate{AggregateID: id, AggregateType: s.aggregateType, Version: int64(len(s.events))}
			if snap, ok := r.snapshots[id]; ok {
				c.SnapshotVersion = snap.Version
			}
			if c.Version-c.SnapshotVersion >= threshold {
				out = append(out, c)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		gi, gj := out[i].Version-out[i].SnapshotVersion, out[j].Version-out[j].SnapshotVersion
		if gi != gj {
			return gi > gj
		}
		return out[i].AggregateID < out[j].AggregateID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
