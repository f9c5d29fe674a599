// Package avatar defines the boundary between the speech core and the 3D
// avatar: a [Scene] exposing named morph target weights and skeletal bones.
//
// [Model] is an in-memory Scene that can be built by hand or loaded from a
// glTF 2.0 asset with [LoadGLTF]. [FallbackRig] is the pose of the simple
// geometric avatar used when no model is available.
package avatar

import (
	"slices"
	"strings"
	"sync"
)

// Oculus viseme morph target names used by Ready Player Me style avatars.
const (
	VisemeSil = "viseme_sil"
	VisemePP  = "viseme_PP"
	VisemeFF  = "viseme_FF"
	VisemeTH  = "viseme_TH"
	VisemeDD  = "viseme_DD"
	VisemeKK  = "viseme_kk"
	VisemeCH  = "viseme_CH"
	VisemeSS  = "viseme_SS"
	VisemeNN  = "viseme_nn"
	VisemeRR  = "viseme_RR"
	VisemeAA  = "viseme_aa"
	VisemeE   = "viseme_E"
	VisemeI   = "viseme_I"
	VisemeO   = "viseme_O"
	VisemeU   = "viseme_U"
)

// Visemes lists every viseme morph target the lip-sync driver knows about.
var Visemes = []string{
	VisemeSil, VisemePP, VisemeFF, VisemeTH, VisemeDD, VisemeKK, VisemeCH,
	VisemeSS, VisemeNN, VisemeRR, VisemeAA, VisemeE, VisemeI, VisemeO, VisemeU,
}

// Scene is an opaque handle to a loaded avatar.
//
// Implementations must be safe for concurrent use: the lip-sync driver writes
// weights from its own goroutine while a renderer reads them.
type Scene interface {
	// MorphTargets returns the names of all morph targets.
	MorphTargets() []string

	// SetMorphTarget sets the weight of the named target. Unknown names are
	// ignored.
	SetMorphTarget(name string, weight float64)

	// MorphTarget returns the weight of the named target and whether it exists.
	MorphTarget(name string) (float64, bool)

	// Bones returns the names of the skeletal bone nodes.
	Bones() []string
}

// Model is an in-memory [Scene].
type Model struct {
	mu      sync.RWMutex
	names   []string
	weights map[string]float64
	bones   []string
}

// Compile-time interface assertion.
var _ Scene = (*Model)(nil)

// NewModel creates a Model with the given morph targets (all at weight 0)
// and bones. Duplicate target names are collapsed.
func NewModel(targets, bones []string) *Model {
	m := &Model{weights: make(map[string]float64, len(targets))}
	for _, t := range targets {
		if _, ok := m.weights[t]; ok {
			continue
		}
		m.weights[t] = 0
		m.names = append(m.names, t)
	}
	m.bones = slices.Clone(bones)
	return m
}

// MorphTargets implements [Scene].
func (m *Model) MorphTargets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.names)
}

// SetMorphTarget implements [Scene]. Weights are clamped to [0, 1].
func (m *Model) SetMorphTarget(name string, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.weights[name]; !ok {
		return
	}
	m.weights[name] = min(max(weight, 0), 1)
}

// MorphTarget implements [Scene].
func (m *Model) MorphTarget(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.weights[name]
	return w, ok
}

// Bones implements [Scene].
func (m *Model) Bones() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.bones)
}

// Weights returns a copy of all morph target weights.
func (m *Model) Weights() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.weights))
	for k, v := range m.weights {
		out[k] = v
	}
	return out
}

// HeadBone returns the last bone whose name contains "head"
// (case-insensitive), or "" when there is none.
func HeadBone(s Scene) string {
	var head string
	for _, b := range s.Bones() {
		if strings.Contains(strings.ToLower(b), "head") {
			head = b
		}
	}
	return head
}

// HasVisemes reports whether s carries at least one viseme morph target.
func HasVisemes(s Scene) bool {
	if s == nil {
		return false
	}
	for _, name := range s.MorphTargets() {
		if slices.Contains(Visemes, name) {
			return true
		}
	}
	return false
}
