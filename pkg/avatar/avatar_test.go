package avatar

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const testGLTF = `{
  "asset": {"version": "2.0"},
  "accessors": [{"componentType": 5126, "count": 3, "type": "VEC3"}],
  "meshes": [
    {
      "name": "Wolf3D_Head",
      "primitives": [{"attributes": {"POSITION": 0}, "targets": [{"POSITION": 0}, {"POSITION": 0}, {"POSITION": 0}]}],
      "extras": {"targetNames": ["viseme_sil", "viseme_aa", "mouthSmile"]}
    },
    {
      "name": "Body",
      "primitives": [{"attributes": {"POSITION": 0}, "targets": [{"POSITION": 0}]}]
    }
  ],
  "nodes": [{"name": "Hips"}, {"name": "Spine"}, {"name": "Head"}, {"name": "Body"}],
  "skins": [{"joints": [0, 1, 2]}, {"joints": [2]}]
}`

func TestDecodeGLTF(t *testing.T) {
	m, err := DecodeGLTF(strings.NewReader(testGLTF))
	if err != nil {
		t.Fatalf("DecodeGLTF: %v", err)
	}
	wantTargets := []string{"viseme_sil", "viseme_aa", "mouthSmile", "mesh1_target_0"}
	if got := m.MorphTargets(); !slices.Equal(got, wantTargets) {
		t.Errorf("MorphTargets = %v, want %v", got, wantTargets)
	}
	wantBones := []string{"Hips", "Spine", "Head"}
	if got := m.Bones(); !slices.Equal(got, wantBones) {
		t.Errorf("Bones = %v, want %v", got, wantBones)
	}
	if got := HeadBone(m); got != "Head" {
		t.Errorf("HeadBone = %q, want Head", got)
	}
	if !HasVisemes(m) {
		t.Error("HasVisemes = false, want true")
	}
}

func TestLoadGLTF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.gltf")
	if err := os.WriteFile(path, []byte(testGLTF), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := LoadGLTF(path)
	if err != nil {
		t.Fatalf("LoadGLTF: %v", err)
	}
	if len(m.MorphTargets()) != 4 {
		t.Errorf("MorphTargets = %v", m.MorphTargets())
	}
}

func TestLoadGLTF_Missing(t *testing.T) {
	if _, err := LoadGLTF(filepath.Join(t.TempDir(), "nope.glb")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDecodeGLTF_NoMeshes(t *testing.T) {
	if _, err := DecodeGLTF(strings.NewReader(`{"asset":{"version":"2.0"}}`)); err == nil {
		t.Error("expected error for document without meshes")
	}
}

func TestModel_Weights(t *testing.T) {
	m := NewModel([]string{"a", "b", "a"}, nil)
	if got := m.MorphTargets(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("MorphTargets = %v, want deduplicated [a b]", got)
	}

	m.SetMorphTarget("a", 0.4)
	m.SetMorphTarget("b", 3)
	m.SetMorphTarget("unknown", 1)

	if w, _ := m.MorphTarget("a"); w != 0.4 {
		t.Errorf("a = %v, want 0.4", w)
	}
	if w, _ := m.MorphTarget("b"); w != 1 {
		t.Errorf("b = %v, want clamped 1", w)
	}
	if _, ok := m.MorphTarget("unknown"); ok {
		t.Error("unknown target should not be created")
	}
	if HasVisemes(m) {
		t.Error("HasVisemes = true for a model without visemes")
	}
	if HasVisemes(nil) {
		t.Error("HasVisemes(nil) = true")
	}
}

func TestFallbackRig(t *testing.T) {
	r := NewFallbackRig()
	if p := r.Pose(); p.Mouth != NeutralMouthScale || p.HeadRotation != (Vec3{}) {
		t.Errorf("new rig pose = %+v, want neutral", p)
	}

	r.Update(0.5, math.Pi/2)
	p := r.Pose()
	// open = min(0.5*3, 1) = 1
	if p.Mouth.Y != 2.0 || p.Mouth.X != 2.0 {
		t.Errorf("mouth = %+v, want X=2 Y=2", p.Mouth)
	}
	if math.Abs(p.HeadRotation.Y-0.01) > 1e-9 {
		t.Errorf("head Y = %v, want 0.01", p.HeadRotation.Y)
	}

	r.Update(0.05, 1)
	if p := r.Pose(); p.Mouth != NeutralMouthScale || p.HeadRotation != (Vec3{}) {
		t.Errorf("quiet pose = %+v, want neutral", p)
	}

	r.Update(0.2, 0)
	// open = 0.6
	if p := r.Pose(); math.Abs(p.Mouth.Y-1.4) > 1e-9 || math.Abs(p.Mouth.X-1.8) > 1e-9 {
		t.Errorf("mouth = %+v, want X=1.8 Y=1.4", p.Mouth)
	}
	r.Reset()
	if p := r.Pose(); p.Mouth != NeutralMouthScale || p.LeftArmZ != math.Pi/8 {
		t.Errorf("reset pose = %+v", p)
	}
}
