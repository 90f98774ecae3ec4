// Package domain contains pure, dependency-free domain models and types
// for the workflow orchestration core.
package domain

import (
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"
)

// Key represents a type-safe generic key for accessing values in State.
// The type parameter T ensures compile-time type safety when getting and
// setting values, eliminating the need for runtime type assertions.
type Key[T any] struct{ name string }

// NewKey creates a new Key with the specified name and type.
// This function is provided for creating keys outside of the domain package.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the raw string name of the key as it appears in the
// exported state mapping.
func (k Key[T]) Name() string { return k.name }

// metadataPrefix namespaces bookkeeping keys inside the state mapping.
// Exported state folds these into a nested "metadata" object.
const metadataPrefix = "metadata."

// Predefined state keys used throughout workflow execution.
// Each key is strongly typed to ensure type safety at compile time.
var (
	// KeyUserInput stores the caller-supplied input text that seeds the
	// workflow. It is the only key required in an initial state.
	KeyUserInput = Key[string]{"user_input"}

	// KeyIntent stores the classification produced by router nodes.
	KeyIntent = Key[string]{"intent"}

	// KeyTextResult stores the default output of llm nodes.
	KeyTextResult = Key[string]{"text_result"}

	// KeyImageResult stores the default output of image nodes.
	KeyImageResult = Key[any]{"image_result"}

	// KeyDBResult stores the default output of db nodes.
	KeyDBResult = Key[any]{"db_result"}

	// KeyFinalOutput stores the default output of aggregator nodes.
	KeyFinalOutput = Key[any]{"final_output"}

	// KeyTokensUsed tracks cumulative token consumption across the
	// entire execution, summed across parallel branches at fan-in.
	KeyTokensUsed = Key[int64]{"tokens_used"}

	// KeyCost tracks the cumulative monetary cost of external calls.
	KeyCost = Key[float64]{"cost"}

	// KeyErrors collects per-node failure records. A non-empty list at
	// termination marks the overall execution as failed.
	KeyErrors = Key[[]NodeError]{"errors"}

	// Bookkeeping keys folded under "metadata" in the exported state.

	// KeyExecutionID stores a unique identifier for this execution instance.
	KeyExecutionID = Key[string]{metadataPrefix + "execution_id"}

	// KeyStartTime stores the wall-clock instant execution began.
	KeyStartTime = Key[time.Time]{metadataPrefix + "start_time"}

	// KeyEndTime stores the wall-clock instant the aggregator finalized.
	KeyEndTime = Key[time.Time]{metadataPrefix + "end_time"}

	// KeyExecutionTime stores end_time minus start_time in seconds.
	KeyExecutionTime = Key[float64]{metadataPrefix + "execution_time"}

	// KeyExecutionPath records node ids in completion order, one entry
	// per successful node completion.
	KeyExecutionPath = Key[[]string]{metadataPrefix + "execution_path"}

	// KeyWarnings collects non-fatal diagnostics such as unresolved
	// template placeholders and fan-in conflicts.
	KeyWarnings = Key[[]string]{metadataPrefix + "warnings"}

	// KeyNodeTimings stores per-node execution durations in seconds.
	KeyNodeTimings = Key[map[string]float64]{metadataPrefix + "node_timings"}
)

// deepCopyValue creates a deep copy of a value to ensure true immutability.
// It handles slices, maps, and other reference types that would otherwise
// allow external modification of State data.
func deepCopyValue(value any) any {
	if value == nil {
		return nil
	}

	// time.Time is immutable and can be returned directly.
	if val, ok := value.(time.Time); ok {
		return val
	}

	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice:
		newSlice := reflect.MakeSlice(v.Type(), v.Len(), v.Cap())
		for i := 0; i < v.Len(); i++ {
			newSlice.Index(i).Set(reflect.ValueOf(deepCopyValue(v.Index(i).Interface())))
		}
		return newSlice.Interface()

	case reflect.Map:
		newMap := reflect.MakeMap(v.Type())
		for _, key := range v.MapKeys() {
			copiedKey := deepCopyValue(key.Interface())
			copiedValue := deepCopyValue(v.MapIndex(key).Interface())
			newMap.SetMapIndex(reflect.ValueOf(copiedKey), reflect.ValueOf(copiedValue))
		}
		return newMap.Interface()

	case reflect.Ptr:
		if v.IsNil() {
			return v.Interface()
		}
		newPtr := reflect.New(v.Elem().Type())
		newPtr.Elem().Set(reflect.ValueOf(deepCopyValue(v.Elem().Interface())))
		return newPtr.Interface()

	case reflect.Struct:
		// This performs a shallow copy for unexported fields but deep copies
		// exported fields.
		newStruct := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if newStruct.Field(i).CanSet() {
				newStruct.Field(i).Set(reflect.ValueOf(deepCopyValue(v.Field(i).Interface())))
			}
		}
		return newStruct.Interface()

	default:
		// Primitive types are returned as-is since they are copied by value.
		return value
	}
}

// State represents an immutable collection of workflow data that flows
// through the graph. It uses copy-on-write semantics to ensure
// thread-safety across parallel branches. Node behaviors read from State
// and describe their writes as a Delta; only the executor materializes
// new State values.
type State struct {
	// data holds the key-value pairs that make up the state.
	// It is unexported to maintain immutability guarantees.
	data map[string]any
}

// NewState creates a new empty State.
// The returned State is ready to use and can be safely shared across
// goroutines.
func NewState() State {
	return State{
		data: make(map[string]any),
	}
}

// Get retrieves a value from the State with compile-time type safety.
// It returns the value and a boolean indicating whether the key exists
// and contains a value of the correct type. The returned value is a deep
// copy to maintain immutability.
//
// Example:
//
//	input, ok := Get(state, KeyUserInput)
//	if !ok {
//	    // handle missing value
//	}
//	// input is typed as string, no type assertion needed
func Get[T any](s State, key Key[T]) (T, bool) {
	var zero T
	value, exists := s.data[key.name]
	if !exists {
		return zero, false
	}

	copied := deepCopyValue(value)
	val, ok := copied.(T)
	return val, ok
}

// GetRaw is a method version of Get that uses a string key.
// For type safety, use the generic Get function instead.
func (s State) GetRaw(keyName string) (any, bool) {
	value, exists := s.data[keyName]
	if !exists {
		return nil, false
	}
	return deepCopyValue(value), true
}

// Has reports whether the key exists in the State, regardless of type.
func (s State) Has(keyName string) bool {
	_, exists := s.data[keyName]
	return exists
}

// With creates a new State with the specified key-value pair added or
// updated. It implements copy-on-write semantics, returning a new State
// instance while leaving the original unchanged.
//
// Example:
//
//	newState := With(state, KeyIntent, "image")
func With[T any](s State, key Key[T], value T) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[key.name] = deepCopyValue(value)
	return State{data: newData}
}

// WithRaw is a method version of With that uses a string key and allows
// chaining. For type safety, use the generic With function instead.
func (s State) WithRaw(keyName string, value any) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any)
	}
	newData[keyName] = deepCopyValue(value)
	return State{data: newData}
}

// WithMultiple creates a new State with multiple key-value pairs added
// or updated. It is more efficient than chaining multiple With calls as
// it performs a single clone operation.
func (s State) WithMultiple(updates map[string]any) State {
	newData := maps.Clone(s.data)
	if newData == nil {
		newData = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		newData[k] = deepCopyValue(v)
	}
	return State{data: newData}
}

// Keys returns all keys present in the State.
// The returned slice is safe to modify without affecting the original State.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// String returns a string representation of the State for debugging purposes.
func (s State) String() string {
	return fmt.Sprintf("State%v", s.data)
}

// FromMap builds a State from a plain mapping, the inverse of Export.
// A nested "metadata" object is flattened into "metadata."-prefixed keys;
// all other keys, known or not, are preserved as-is.
func FromMap(m map[string]any) State {
	data := make(map[string]any, len(m))
	for k, v := range m {
		if k == "metadata" {
			if meta, ok := v.(map[string]any); ok {
				for mk, mv := range meta {
					data[metadataPrefix+mk] = deepCopyValue(mv)
				}
				continue
			}
		}
		data[k] = deepCopyValue(v)
	}
	return State{data: data}
}

// Export renders the State as a plain mapping suitable for JSON
// serialization. Keys under the "metadata." prefix are folded into a
// nested "metadata" object. The returned map is a deep copy.
func (s State) Export() map[string]any {
	out := make(map[string]any, len(s.data))
	var meta map[string]any
	for k, v := range s.data {
		if rest, ok := strings.CutPrefix(k, metadataPrefix); ok {
			if meta == nil {
				meta = make(map[string]any)
			}
			meta[rest] = deepCopyValue(v)
			continue
		}
		out[k] = deepCopyValue(v)
	}
	if meta != nil {
		out["metadata"] = meta
	}
	return out
}
