package avatar

import (
	"fmt"
	"io"

	"github.com/qmuntal/gltf"
)

// LoadGLTF opens a .gltf or .glb file and builds a [Model] from it.
func LoadGLTF(path string) (*Model, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("avatar: open gltf: %w", err)
	}
	return modelFromDocument(doc)
}

// DecodeGLTF reads a glTF document (JSON or binary) from r. External buffers
// are not resolved; only the document structure is needed.
func DecodeGLTF(r io.Reader) (*Model, error) {
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(r).Decode(doc); err != nil {
		return nil, fmt.Errorf("avatar: decode gltf: %w", err)
	}
	return modelFromDocument(doc)
}

// modelFromDocument collects morph target names from each mesh's
// extras.targetNames and bone names from the skins' joints.
func modelFromDocument(doc *gltf.Document) (*Model, error) {
	if len(doc.Meshes) == 0 {
		return nil, fmt.Errorf("avatar: no meshes in document")
	}

	var targets []string
	for mi, mesh := range doc.Meshes {
		count := 0
		for _, prim := range mesh.Primitives {
			count = max(count, len(prim.Targets))
		}
		names := targetNames(mesh.Extras)
		for i := range max(count, len(names)) {
			if i < len(names) && names[i] != "" {
				targets = append(targets, names[i])
				continue
			}
			targets = append(targets, fmt.Sprintf("mesh%d_target_%d", mi, i))
		}
	}

	var bones []string
	seen := make(map[int]bool)
	for _, skin := range doc.Skins {
		for _, j := range skin.Joints {
			if seen[j] || j < 0 || j >= len(doc.Nodes) {
				continue
			}
			seen[j] = true
			name := doc.Nodes[j].Name
			if name == "" {
				name = fmt.Sprintf("node_%d", j)
			}
			bones = append(bones, name)
		}
	}
	return NewModel(targets, bones), nil
}

// targetNames reads the de-facto standard extras.targetNames array.
func targetNames(extras any) []string {
	m, ok := extras.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["targetNames"].([]any)
	if !ok {
		return nil
	}
	names := make([]string, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			names[i] = s
		}
	}
	return names
}
