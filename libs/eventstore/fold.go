package eventstore

import (
	"encoding/json"
	"fmt"
	"iter"
)

// Folder rebuilds an aggregate type's state. Fold receives the encoded
// starting state (nil for the zero state) and the events to apply in version
// order, and returns the encoded result.
type Folder interface {
	Fold(state []byte, events iter.Seq[Event]) ([]byte, error)
}

// JSONFolder folds events onto a JSON-encoded S. The zero value of S is the
// initial state.
type JSONFolder[S any] struct {
	Apply func(state *S, ev Event) error
}

func (f JSONFolder[S]) Fold(state []byte, events iter.Seq[Event]) ([]byte, error) {
	var s S
	if len(state) > 0 {
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, fmt.Errorf("decoding state: %w", err)
		}
	}
	for ev := range events {
		if err := f.Apply(&s, ev); err != nil {
			return nil, fmt.Errorf("applying %s v%d: %w", ev.EventType, ev.Version, err)
		}
	}
	return json.Marshal(s)
}

// Decode is a convenience for callers reading a replayed JSON state.
func Decode[S any](st State) (S, error) {
	var s S
	if len(st.Data) == 0 {
		return s, nil
	}
	err := json.Unmarshal(st.Data, &s)
	return s, err
}
