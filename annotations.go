// Completion: 100% - Typed annotation arenas complete
package main

import (
	"sync"
)

// annotations.go - Per-instruction annotation arenas
//
// Passes attach opaque per-instruction data (debug line info, inline origin,
// indirect-call hints) without growing the Instruction struct. Annotations
// live in per-worker arenas addressed by (allocator id, index) so parallel
// passes never contend on a shared allocator; merging a finished task back is
// a no-op because allocator ids are globally unique for the lifetime of the
// registry.

// AnnotationRef addresses one annotation value inside the registry
type AnnotationRef struct {
	Key       string
	Allocator uint32
	Index     uint32
}

// annotationArena is the per-allocator value store
type annotationArena struct {
	values []interface{}
}

// AnnotationRegistry owns every annotation arena of a rewrite run
type AnnotationRegistry struct {
	mu     sync.Mutex
	arenas []*annotationArena
}

// NewAnnotationRegistry creates a registry with the main-thread arena (id 0)
func NewAnnotationRegistry() *AnnotationRegistry {
	return &AnnotationRegistry{arenas: []*annotationArena{{}}}
}

// NewAllocator reserves a fresh allocator id for a worker task
func (r *AnnotationRegistry) NewAllocator() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arenas = append(r.arenas, &annotationArena{})
	return uint32(len(r.arenas) - 1)
}

// store appends a value to the given arena and returns its index.
// Arenas are single-writer; only the id reservation is locked.
func (r *AnnotationRegistry) store(allocator uint32, value interface{}) uint32 {
	arena := r.arenas[allocator]
	arena.values = append(arena.values, value)
	return uint32(len(arena.values) - 1)
}

// load fetches a stored value
func (r *AnnotationRegistry) load(ref AnnotationRef) interface{} {
	if int(ref.Allocator) >= len(r.arenas) {
		return nil
	}
	arena := r.arenas[ref.Allocator]
	if int(ref.Index) >= len(arena.values) {
		return nil
	}
	return arena.values[ref.Index]
}

// SetAnnotation attaches a value under key to the instruction, replacing any
// previous value with the same key.
func SetAnnotation[T any](reg *AnnotationRegistry, allocator uint32, inst *Instruction, key string, value T) {
	for i, ref := range inst.Annots {
		if ref.Key == key {
			inst.Annots[i].Allocator = allocator
			inst.Annots[i].Index = reg.store(allocator, value)
			return
		}
	}
	inst.Annots = append(inst.Annots, AnnotationRef{
		Key:       key,
		Allocator: allocator,
		Index:     reg.store(allocator, value),
	})
}

// GetAnnotation fetches a typed annotation; ok is false when the key is
// absent or holds a different type.
func GetAnnotation[T any](reg *AnnotationRegistry, inst *Instruction, key string) (T, bool) {
	var zero T
	for _, ref := range inst.Annots {
		if ref.Key == key {
			if v, ok := reg.load(ref).(T); ok {
				return v, true
			}
			return zero, false
		}
	}
	return zero, false
}

// RemoveAnnotation drops the annotation with the given key, if present.
// The arena slot is not reclaimed; arenas are bump-only by construction.
func RemoveAnnotation(inst *Instruction, key string) {
	for i, ref := range inst.Annots {
		if ref.Key == key {
			inst.Annots = append(inst.Annots[:i], inst.Annots[i+1:]...)
			return
		}
	}
}

// Well-known annotation keys
const (
	AnnotDebugLine    = "debug-line"    // source line info from .debug_line
	AnnotInlineOrigin = "inline-origin" // name of the inlined callee
	AnnotIndirectHint = "indirect-hint" // profiled targets of an indirect call
)
