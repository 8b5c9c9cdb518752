package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
)

const defaultPageSize = 256

// Store is the append-only event log with snapshot-assisted replay.
type Store struct {
	repo     Repository
	recorder metrics.Recorder
	pageSize int
	now      func() time.Time

	mu      sync.RWMutex
	folders map[string]Folder
}

type Option func(*Store)

// WithPageSize sets how many events LoadEvents fetches per round trip.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(repo Repository, recorder metrics.Recorder, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if recorder == nil {
		return nil, ErrRecorderRequired
	}
	s := &Store{
		repo:     repo,
		recorder: recorder,
		pageSize: defaultPageSize,
		now:      func() time.Time { return time.Now().UTC() },
		folders:  map[string]Folder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Register binds the fold function used to replay aggregates of aggregateType.
func (s *Store) Register(aggregateType string, f Folder) error {
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" || f == nil {
		return fmt.Errorf("%w: aggregate type and folder are required", ErrInvalidAppend)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[aggregateType]; ok {
		return fmt.Errorf("%w: %s", ErrFolderAlreadyRegistered, aggregateType)
	}
	s.folders[aggregateType] = f
	return nil
}

func (s *Store) folder(aggregateType string) (Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.folders[aggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, aggregateType)
	}
	return f, nil
}

// Append writes req.Events within tx if the aggregate is still at
// req.ExpectedVersion and returns the new version. A concurrent writer that
// got there first turns this into a *ConflictError; the store never retries.
func (s *Store) Append(ctx context.Context, tx db.Tx, req AppendRequest) (int64, error) {
	if err := validateAppend(req); err != nil {
		return 0, err
	}

	now := s.now()
	events := make([]Event, len(req.Events))
	for i, ev := range req.Events {
		ev.AggregateID = req.AggregateID
		ev.AggregateType = req.AggregateType
		ev.Version = req.ExpectedVersion + int64(i) + 1
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = now
		}
		events[i] = ev
	}

	if err := s.repo.AppendEvents(ctx, tx, req.AggregateID, req.AggregateType, req.ExpectedVersion, events); err != nil {
		if errors.Is(err, ErrConflict) {
			s.recorder.AppendConflict(ctx, req.AggregateType)
		}
		return 0, err
	}
	s.recorder.EventsAppended(ctx, req.AggregateType, len(events))
	return events[len(events)-1].Version, nil
}

func validateAppend(req AppendRequest) error {
	switch {
	case strings.TrimSpace(req.AggregateID) == "":
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidAppend)
	case strings.TrimSpace(req.AggregateType) == "":
		return fmt.Errorf("%w: aggregate type is required", ErrInvalidAppend)
	case req.ExpectedVersion < 0:
		return fmt.Errorf("%w: expected version must be >= 0", ErrInvalidAppend)
	case len(req.Events) == 0:
		return fmt.Errorf("%w: at least one event is required", ErrInvalidAppend)
	}
	for i, ev := range req.Events {
		if strings.TrimSpace(ev.EventType) == "" {
			return fmt.Errorf("%w: event %d has no type", ErrInvalidAppend, i)
		}
		if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
			return fmt.Errorf("%w: event %d payload is not valid JSON", ErrInvalidAppend, i)
		}
	}
	return nil
}

// CurrentVersion returns 0 for aggregates with no events.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	_, v, err := s.repo.StreamVersion(ctx, aggregateID)
	if errors.Is(err, ErrAggregateNotFound) {
		return 0, nil
	}
	return v, err
}

// LoadEvents yields the aggregate's events with version >= fromVersion in
// ascending order, fetching them page by page. Each range over the returned
// sequence starts again from fromVersion.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[Event, error] {
	if fromVersion < 1 {
		fromVersion = 1
	}
	return func(yield func(Event, error) bool) {
		next := fromVersion
		for {
			page, err := s.repo.LoadEvents(ctx, aggregateID, next, s.pageSize)
			if err != nil {
				yield(Event{}, fmt.Errorf("loading events of %s from v%d: %w", aggregateID, next, err))
				return
			}
			for _, ev := range page {
				if ev.Version != next {
					yield(Event{}, fmt.Errorf("eventstore: gap in %s: expected v%d, got v%d", aggregateID, next, ev.Version))
					return
				}
				if !yield(ev, nil) {
					return
				}
				next++
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Replay rebuilds the aggregate from its latest snapshot plus the events
// after it, or from version 1 when there is no snapshot. On failure the
// returned State carries only the aggregate's identity.
func (s *Store) Replay(ctx context.Context, aggregateID string) (State, error) {
	return s.replay(ctx, aggregateID, true)
}

// ReplayFull ignores snapshots and folds the whole history.
func (s *Store) ReplayFull(ctx context.Context, aggregateID string) (State, error) {
	return s.replay(ctx, aggregateID, false)
}

func (s *Store) replay(ctx context.Context, aggregateID string, useSnapshot bool) (State, error) {
	aggregateType, _, err := s.repo.StreamVersion(ctx, aggregateID)
	if err != nil {
		return State{}, err
	}
	failed := State{AggregateID: aggregateID, AggregateType: aggregateType}
	folder, err := s.folder(aggregateType)
	if err != nil {
		return failed, err
	}

	st := failed
	if useSnapshot {
		snap, ok, err := s.repo.LoadSnapshot(ctx, aggregateID)
		if err != nil {
			return failed, fmt.Errorf("loading snapshot of %s: %w", aggregateID, err)
		}
		if ok {
			st.Data = snap.State
			st.Version = snap.Version
			st.SnapshotVersion = snap.Version
		}
	}

	var loadErr error
	events := func(yield func(Event) bool) {
		for ev, err := range s.LoadEvents(ctx, aggregateID, st.Version+1) {
			if err != nil {
				loadErr = err
				return
			}
			st.Version = ev.Version
			st.Folded++
			if !yield(ev) {
				return
			}
		}
	}

	data, err := folder.Fold(st.Data, events)
	if loadErr != nil {
		return failed, loadErr
	}
	if err != nil {
		return failed, fmt.Errorf("folding %s: %w", aggregateID, err)
	}
	st.Data = data
	return st, nil
}

// CreateSnapshot replays the aggregate and persists the result tagged with the
// version it reached. Appends racing with it simply land after the snapshot.
func (s *Store) CreateSnapshot(ctx context.Context, aggregateID string) (Snapshot, error) {
	st, err := s.Replay(ctx, aggregateID)
	if err != nil {
		if st.AggregateType != "" {
			s.recorder.SnapshotFailed(ctx, st.AggregateType)
		}
		return Snapshot{}, err
	}
	snap := Snapshot{
		AggregateID:   st.AggregateID,
		AggregateType: st.AggregateType,
		Version:       st.Version,
		State:         st.Data,
		CreatedAt:     s.now(),
	}
	if st.Folded == 0 && st.SnapshotVersion == st.Version && st.SnapshotVersion > 0 {
		return snap, nil
	}
	if err := s.repo.SaveSnapshot(ctx, snap); err != nil {
		s.recorder.SnapshotFailed(ctx, st.AggregateType)
		return Snapshot{}, fmt.Errorf("saving snapshot of %s at v%d: %w", aggregateID, snap.Version, err)
	}
	s.recorder.SnapshotCreated(ctx, st.AggregateType, st.Folded)
	return snap, nil
}
