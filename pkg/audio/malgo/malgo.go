// Package malgo provides a microphone [audio.InputDevice] backed by miniaudio
// through github.com/gen2brain/malgo. It captures 32-bit float samples and
// lets miniaudio convert to the requested rate and channel count.
package malgo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.InputDevice = (*Device)(nil)

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithBackends restricts miniaudio to the given backends (e.g. malgo.BackendPulseaudio).
func WithBackends(backends ...malgo.Backend) Option {
	return func(d *Device) {
		d.backends = backends
	}
}

// WithDeviceName selects the capture device whose name contains name
// (case-insensitive). The system default is used when no device matches.
func WithDeviceName(name string) Option {
	return func(d *Device) {
		d.name = strings.TrimSpace(name)
	}
}

// Device opens a capture device, the system default unless
// [WithDeviceName] selects another.
type Device struct {
	backends []malgo.Backend
	name     string
}

// New creates a Device.
func New(opts ...Option) *Device {
	d := &Device{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.InputDevice]. Every call owns its own miniaudio
// context so the device is fully released on Close.
func (d *Device) Open(ctx context.Context, cfg audio.DeviceConfig, onData func([]float32)) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.New("malgo: sample rate must be positive")
	}
	channels := max(cfg.Channels, 1)

	mctx, err := malgo.InitContext(d.backends, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", classify(err))
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1
	if cfg.PeriodFrames > 0 {
		devCfg.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	}
	if d.name != "" {
		id, ok := findDevice(mctx, d.name)
		if ok {
			devCfg.Capture.DeviceID = id.Pointer()
		} else {
			slog.Warn("malgo: capture device not found, using default", "name", d.name)
		}
	}

	s := &stream{
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: channels},
		ctx:    mctx,
	}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if frameCount == 0 {
				return
			}
			n := int(frameCount) * channels
			if len(input) < n*4 {
				n = len(input) / 4
			}
			s.buf = s.buf[:0]
			for i := range n {
				s.buf = append(s.buf, math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:])))
			}
			onData(s.buf)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		s.releaseContext()
		return nil, fmt.Errorf("malgo: init device: %w", classify(err))
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.releaseContext()
		return nil, fmt.Errorf("malgo: start device: %w", classify(err))
	}

	slog.Debug("capture device started", "format", s.format.String())
	return s, nil
}

// findDevice returns the first capture device whose name contains name.
func findDevice(mctx *malgo.AllocatedContext, name string) (*malgo.DeviceID, bool) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		slog.Debug("malgo: enumerate capture devices", "err", err)
		return nil, false
	}
	want := strings.ToLower(name)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), want) {
			return &infos[i].ID, true
		}
	}
	return nil, false
}

// classify maps miniaudio failures onto the audio package sentinels so callers
// can tell a denied permission from a missing device.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "no backend"),
		strings.Contains(msg, "device not"), strings.Contains(msg, "failed to open"):
		return fmt.Errorf("%w: %v", audio.ErrNoDevice, err)
	default:
		return fmt.Errorf("%w: %v", audio.ErrNoDevice, err)
	}
}

// ---- stream ----

type stream struct {
	format audio.Format
	ctx    *malgo.AllocatedContext
	dev    *malgo.Device

	// buf is reused across callbacks; miniaudio calls Data from one thread.
	buf []float32

	once sync.Once
}

// Format implements [audio.InputStream].
func (s *stream) Format() audio.Format { return s.format }

// Close implements [audio.InputStream].
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		if s.dev != nil {
			if stopErr := s.dev.Stop(); stopErr != nil {
				err = fmt.Errorf("malgo: stop device: %w", stopErr)
			}
			s.dev.Uninit()
		}
		s.releaseContext()
	})
	return err
}

func (s *stream) releaseContext() {
	if s.ctx == nil {
		return
	}
	if err := s.ctx.Uninit(); err != nil {
		slog.Warn("malgo: uninit context", "err", err)
	}
	s.ctx.Free()
	s.ctx = nil
}
