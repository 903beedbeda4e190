package facade

import (
	"context"
	"fmt"

	lserrors "github.com/relaysync/engine/pkg/errors"
	"github.com/relaysync/engine/pkg/serializer"
)

// SaveTyped serializes value with ser and saves it, the generic
// counterpart of the original store's templated save<T>.
func SaveTyped[T any](s *Store, ser serializer.Serializer, typeName, id string, value T) *Task[struct{}] {
	obj, err := ser.ToJSON(value)
	if err != nil {
		task, fulfil := newTask[struct{}]()
		fulfil(struct{}{}, &lserrors.SerializationError{TypeName: typeName, Err: err})
		return task
	}
	return s.Save(typeName, id, obj)
}

// LoadTyped loads typeName/id and deserializes it into T via ser.
func LoadTyped[T any](ctx context.Context, s *Store, ser serializer.Serializer, typeName, id string) (T, error) {
	var zero T
	obj, err := s.Load(typeName, id).Wait(ctx)
	if err != nil {
		return zero, err
	}
	var out T
	if err := ser.FromJSON(obj, &out); err != nil {
		return zero, &lserrors.SerializationError{TypeName: typeName, Err: err}
	}
	return out, nil
}

// LoadAllTyped loads every record of typeName and deserializes each into T.
func LoadAllTyped[T any](ctx context.Context, s *Store, ser serializer.Serializer, typeName string) ([]T, error) {
	objs, err := s.LoadAll(typeName).Wait(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(objs))
	for i, obj := range objs {
		var v T
		if err := ser.FromJSON(obj, &v); err != nil {
			return nil, &lserrors.SerializationError{TypeName: typeName, Err: fmt.Errorf("element %d: %w", i, err)}
		}
		out = append(out, v)
	}
	return out, nil
}
