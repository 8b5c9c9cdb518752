package saga

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
)

type MemoryRepository struct {
	db    *memdb.DB
	sagas map[string]Instance
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(mdb *memdb.DB) *MemoryRepository {
	return &MemoryRepository{db: mdb, sagas: map[string]Instance{}}
}

func scratchKey(id string) string { return "saga:" + id }

func (r *MemoryRepository) Create(_ context.Context, tx db.Tx, inst Instance) error {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return err
	}
	if _, ok := mtx.Scratch(scratchKey(inst.ID)); ok {
		return fmt.Errorf("%w: %s", ErrSagaExists, inst.ID)
	}
	var exists bool
	r.db.View(func() { _, exists = r.sagas[inst.ID] })
	if exists {
		return fmt.Errorf("%w: %s", ErrSagaExists, inst.ID)
	}
	r.put(mtx, inst)
	return nil
}

func (r *MemoryRepository) GetForUpdate(_ context.Context, tx db.Tx, id string) (Instance, error) {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return Instance{}, err
	}
	if v, ok := mtx.Scratch(scratchKey(id)); ok {
		return v.(Instance).clone(), nil
	}
	return r.Get(context.Background(), id)
}

func (r *MemoryRepository) Save(_ context.Context, tx db.Tx, inst Instance) error {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return err
	}
	if _, ok := mtx.Scratch(scratchKey(inst.ID)); !ok {
		var exists bool
		r.db.View(func() { _, exists = r.sagas[inst.ID] })
		if !exists {
			return fmt.Errorf("%w: %s", ErrSagaNotFound, inst.ID)
		}
	}
	r.put(mtx, inst)
	return nil
}

func (r *MemoryRepository) put(mtx *memdb.Tx, inst Instance) {
	inst = inst.clone()
	mtx.SetScratch(scratchKey(inst.ID), inst)
	mtx.Defer(func() { r.sagas[inst.ID] = inst })
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Instance, error) {
	var (
		inst Instance
		ok   bool
	)
	r.db.View(func() {
		if inst, ok = r.sagas[id]; ok {
			inst = inst.clone()
		}
	})
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	return inst, nil
}

func (r *MemoryRepository) List(_ context.Context, status Status, limit int) ([]Instance, error) {
	var out []Instance
	r.db.View(func() {
		for _, inst := range r.sagas {
			if status == "" || inst.Status == status {
				out = append(out, inst.clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DueForSweep(_ context.Context, now time.Time, limit int) ([]string, error) {
	type due struct {
		id string
		at time.Time
	}
	var found []due
	r.db.View(func() {
		for _, inst := range r.sagas {
			if at, ok := sweepDue(inst, now); ok {
				found = append(found, due{inst.ID, at})
			}
		}
	})
	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].id < found[j].id
	})
	ids := make([]string, 0, len(found))
	for _, d := range found {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, d.id)
	}
	return ids, nil
}

// sweepDue reports whether inst has a timeout before now and the earliest
// such timeout.
func sweepDue(inst Instance, now time.Time) (time.Time, bool) {
	var (
		at  time.Time
		due bool
	)
	if inst.Status == StatusRunning && inst.TimeoutAt.Before(now) {
		at, due = inst.TimeoutAt, true
	}
	if inst.Status != StatusRunning && inst.Status != StatusCompensating {
		return at, due
	}
	for _, s := range inst.Steps {
		if s.Status != StepRunning && s.Status != StepCompensating {
			continue
		}
		if s.TimeoutAt != nil && s.TimeoutAt.Before(now) && (!due || s.TimeoutAt.Before(at)) {
			at, due = *s.TimeoutAt, true
		}
	}
	return at, due
}

func (r *MemoryRepository) CountOpen(context.Context) ([]InFlight, error) {
	counts := map[[2]string]int64{}
	r.db.View(func() {
		for _, inst := range r.sagas {
			if !inst.Status.Terminal() {
				counts[[2]string{inst.Type, string(inst.Status)}]++
			}
		}
	})
	out := make([]InFlight, 0, len(counts))
	for k, n := range counts {
		out = append(out, InFlight{Type: k[0], Status: Status(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (r *MemoryRepository) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	var n int64
	r.db.Update(func() {
		for id, inst := range r.sagas {
			if inst.Status != StatusCompleted && inst.Status != StatusCompensated {
				continue
			}
			if inst.CompletedAt != nil && inst.CompletedAt.Before(before) {
				delete(r.sagas, id)
				n++
			}
		}
	})
	return n, nil
}
