package malgo

import (
	"errors"
	"testing"

	"github.com/MrWong99/avatalk/pkg/audio"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"access denied", errors.New("Access denied."), audio.ErrPermissionDenied},
		{"permission", errors.New("microphone permission refused"), audio.ErrPermissionDenied},
		{"no device", errors.New("No device."), audio.ErrNoDevice},
		{"no backend", errors.New("No backend."), audio.ErrNoDevice},
		{"unknown", errors.New("Generic error."), audio.ErrNoDevice},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if !errors.Is(got, tc.want) {
				t.Errorf("classify(%q) = %v, want wrapping %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestOpen_RejectsInvalidRate(t *testing.T) {
	d := New()
	_, err := d.Open(t.Context(), audio.DeviceConfig{SampleRate: 0}, func([]float32) {})
	if err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
