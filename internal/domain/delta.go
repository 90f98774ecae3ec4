package domain

import (
	"reflect"
	"sort"
)

// OpKind selects the merge rule applied to a state key when parallel
// branches are joined.
type OpKind int

const (
	// OpSet overwrites a scalar key. Conflicting sets from sibling
	// branches resolve first-wins by inbound edge declaration order.
	OpSet OpKind = iota
	// OpAdd increments a numeric counter key. Increments from sibling
	// branches are summed.
	OpAdd
	// OpAppend extends a list key. Appends from sibling branches are
	// concatenated in inbound edge declaration order.
	OpAppend
)

// Op is a single state mutation described by a node behavior.
type Op struct {
	Kind  OpKind
	Key   string
	Value any
}

// Delta is the ordered set of mutations a node behavior wants applied to
// the state. Behaviors never mutate their input State; they return a
// Delta and the executor merges it under the fan-in join protocol.
type Delta struct {
	ops []Op
}

// Set records a scalar overwrite of key.
func (d *Delta) Set(key string, value any) *Delta {
	d.ops = append(d.ops, Op{Kind: OpSet, Key: key, Value: value})
	return d
}

// SetKey is a typed convenience for Set.
func SetKey[T any](d *Delta, key Key[T], value T) *Delta {
	return d.Set(key.name, value)
}

// AddInt records an int64 counter increment of key.
func (d *Delta) AddInt(key string, n int64) *Delta {
	d.ops = append(d.ops, Op{Kind: OpAdd, Key: key, Value: n})
	return d
}

// AddFloat records a float64 counter increment of key.
func (d *Delta) AddFloat(key string, f float64) *Delta {
	d.ops = append(d.ops, Op{Kind: OpAdd, Key: key, Value: f})
	return d
}

// Append records items appended to the list stored at key.
func (d *Delta) Append(key string, items ...any) *Delta {
	for _, item := range items {
		d.ops = append(d.ops, Op{Kind: OpAppend, Key: key, Value: item})
	}
	return d
}

// Warn records a diagnostic appended to the warnings list.
func (d *Delta) Warn(msg string) *Delta {
	return d.Append(KeyWarnings.name, msg)
}

// Fail records a node error appended to the errors list.
func (d *Delta) Fail(err NodeError) *Delta {
	return d.Append(KeyErrors.name, err)
}

// Ops returns the recorded operations in declaration order.
func (d *Delta) Ops() []Op { return d.ops }

// Len returns the number of recorded operations.
func (d *Delta) Len() int { return len(d.ops) }

// Record is an Op stamped with a per-execution sequence number and the id
// of the node that produced it. Sequence numbers make shared history
// recognizable when branch histories meet at a fan-in.
type Record struct {
	Seq    uint64
	NodeID string
	Op     Op
}

// History is the ordered mutation log carried along one branch of the
// graph. Branches forked at a fan-out share a common prefix; the join
// operation deduplicates it by sequence number.
type History []Record

// Join merges branch histories at a fan-in point, in inbound edge
// declaration order. Shared records (same sequence number) are kept once.
// For records unique to a branch: counter increments and list appends are
// all kept, while a scalar set whose key was already set by an earlier
// sibling branch is dropped and reported as a conflict warning.
func Join(branches []History) (History, []string) {
	if len(branches) == 1 {
		return branches[0], nil
	}

	var warnings []string
	merged := make(History, 0)
	seen := make(map[uint64]struct{})

	// Records present in more than one branch are shared history from
	// before the fan-out; they merge once and never count as conflicts.
	shared := make(map[uint64]int)
	for _, branch := range branches {
		for _, rec := range branch {
			shared[rec.Seq]++
		}
	}

	// Scalar keys set by records unique to an earlier branch. A later
	// branch setting the same key loses and triggers a warning; repeated
	// sets within one branch remain ordinary overwrites.
	type setOwner struct {
		branch int
		nodeID string
	}
	setOwners := make(map[string]setOwner)

	for branchIdx, branch := range branches {
		for _, rec := range branch {
			if _, dup := seen[rec.Seq]; dup {
				continue
			}
			if rec.Op.Kind == OpSet && shared[rec.Seq] == 1 {
				if owner, ok := setOwners[rec.Op.Key]; ok && owner.branch != branchIdx {
					warnings = append(warnings,
						"fan-in conflict on key "+rec.Op.Key+": keeping value from "+owner.nodeID+
							", dropping value from "+rec.NodeID)
					seen[rec.Seq] = struct{}{}
					continue
				}
				setOwners[rec.Op.Key] = setOwner{branch: branchIdx, nodeID: rec.NodeID}
			}
			seen[rec.Seq] = struct{}{}
			merged = append(merged, rec)
		}
	}

	// Keep the log sorted by sequence so shared prefixes stay ahead of
	// branch suffixes and replay remains deterministic.
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })

	return merged, warnings
}

// Apply replays the history on top of base and returns the resulting
// State. Counter keys missing from base start at zero; list keys missing
// from base start empty with the element type of the first appended item.
func (h History) Apply(base State) State {
	state := base
	updates := make(map[string]any)

	current := func(key string) (any, bool) {
		if v, ok := updates[key]; ok {
			return v, true
		}
		return state.GetRaw(key)
	}

	for _, rec := range h {
		op := rec.Op
		switch op.Kind {
		case OpSet:
			updates[op.Key] = op.Value

		case OpAdd:
			existing, _ := current(op.Key)
			updates[op.Key] = addNumeric(existing, op.Value)

		case OpAppend:
			existing, _ := current(op.Key)
			updates[op.Key] = appendValue(existing, op.Value)
		}
	}

	if len(updates) == 0 {
		return state
	}
	return state.WithMultiple(updates)
}

// addNumeric adds an increment to an existing counter value, treating a
// missing or mistyped existing value as zero of the increment's type.
func addNumeric(existing, inc any) any {
	switch n := inc.(type) {
	case int64:
		base, _ := existing.(int64)
		return base + n
	case float64:
		base, _ := existing.(float64)
		return base + n
	case int:
		base, _ := existing.(int64)
		return base + int64(n)
	default:
		return existing
	}
}

// appendValue appends item to an existing slice value, creating a slice
// of the item's type when no list exists yet.
func appendValue(existing, item any) any {
	if existing == nil {
		slice := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(item)), 0, 1)
		return reflect.Append(slice, reflect.ValueOf(item)).Interface()
	}

	v := reflect.ValueOf(existing)
	if v.Kind() != reflect.Slice {
		// Not a list; preserve the existing value rather than guess.
		return existing
	}

	iv := reflect.ValueOf(item)
	if !iv.Type().AssignableTo(v.Type().Elem()) {
		if v.Type().Elem().Kind() == reflect.Interface {
			return reflect.Append(v, iv).Interface()
		}
		// Fall back to []any when element types diverge.
		generic := make([]any, 0, v.Len()+1)
		for i := 0; i < v.Len(); i++ {
			generic = append(generic, v.Index(i).Interface())
		}
		return append(generic, item)
	}
	return reflect.Append(v, iv).Interface()
}
