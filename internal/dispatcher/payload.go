package dispatcher

import (
	"fmt"
	"reflect"
	"time"

	"github.com/nkkko/axnotify/internal/domain"
)

// maxPayloadDepth bounds how deep nested maps and slices are walked.
// Anything below it is kept as domain.Raw.
const maxPayloadDepth = 32

// Normalize turns an opaque platform payload into a string-keyed map of
// scalars, slices and maps. A payload that is not a map is wrapped under
// "value". Values with no normalized form are kept as domain.Raw, and so
// are containers that refer back to themselves.
func Normalize(raw any) domain.Payload {
	if raw == nil {
		return nil
	}

	n := &normalizer{path: make(map[container]struct{})}
	v := n.value(raw, 0)
	if m, ok := v.(map[string]any); ok {
		return domain.Payload(m)
	}
	return domain.Payload{"value": v}
}

// container identifies a map, slice or pointer by address. Slices also
// carry their length since a sub-slice shares its backing array.
type container struct {
	ptr uintptr
	len int
}

// normalizer tracks the containers on the current descent path
type normalizer struct {
	path map[container]struct{}
}

func (n *normalizer) value(v any, depth int) any {
	// A typed nil would panic in String or ElementID
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil
	}

	switch x := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	case domain.Raw:
		return x
	case domain.ElementRef:
		return x.ElementID()
	case fmt.Stringer:
		return x.String()
	}

	return n.reflect(v, reflect.ValueOf(v), depth)
}

func (n *normalizer) reflect(v any, rv reflect.Value, depth int) any {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if depth >= maxPayloadDepth {
			return domain.Raw{Value: v}
		}
		id := container{ptr: rv.Pointer()}
		if rv.Kind() == reflect.Slice {
			id.len = rv.Len()
		}
		if _, cyclic := n.path[id]; cyclic {
			return domain.Raw{Value: v}
		}
		n.path[id] = struct{}{}
		defer delete(n.path, id)
	case reflect.Array:
		if depth >= maxPayloadDepth {
			return domain.Raw{Value: v}
		}
	}

	switch rv.Kind() {
	case reflect.Ptr:
		return n.value(rv.Elem().Interface(), depth+1)

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return domain.Raw{Value: v}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = n.value(iter.Value().Interface(), depth+1)
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = n.value(rv.Index(i).Interface(), depth+1)
		}
		return out

	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}

	return domain.Raw{Value: v}
}
