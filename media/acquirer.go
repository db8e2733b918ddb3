package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// PermissionFunc answers a capture permission prompt. It may block until
// the user responds and should honour ctx.
type PermissionFunc func(ctx context.Context, constraints Constraints) error

// DeviceAcquirerOptions configures a DeviceAcquirer.
type DeviceAcquirerOptions struct {
	Devices    []Device
	Permission PermissionFunc
	Logger     *slog.Logger
}

// DeviceAcquirer acquires streams from a fixed device catalog. Every
// acquisition goes through the permission func first.
type DeviceAcquirer struct {
	permission PermissionFunc
	logger     *slog.Logger

	mu      sync.RWMutex
	devices []Device
}

// NewDeviceAcquirer returns an acquirer over options.Devices. A nil
// Permission grants everything.
func NewDeviceAcquirer(options DeviceAcquirerOptions) *DeviceAcquirer {
	if options.Permission == nil {
		options.Permission = func(context.Context, Constraints) error { return nil }
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &DeviceAcquirer{
		permission: options.Permission,
		logger:     options.Logger,
		devices:    append([]Device(nil), options.Devices...),
	}
}

// DefaultDevices is a catalog with one microphone, one camera and the usual
// display surfaces.
func DefaultDevices() []Device {
	return []Device{
		{ID: "default-mic", Label: "Default Microphone", Kind: DeviceAudioInput},
		{ID: "default-cam", Label: "Default Camera", Kind: DeviceVideoInput},
		{ID: "screen:0", Label: "Entire Screen", Kind: DeviceDisplay, Surface: SurfaceMonitor},
		{ID: "window:chat", Label: "Chat Window", Kind: DeviceDisplay, Surface: SurfaceWindow},
		{ID: "browser:tab", Label: "Browser Tab", Kind: DeviceDisplay, Surface: SurfaceBrowser},
	}
}

// SetDevices replaces the catalog, as when a device is plugged in.
func (a *DeviceAcquirer) SetDevices(devices []Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = append([]Device(nil), devices...)
}

// Devices returns the catalog.
func (a *DeviceAcquirer) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Device(nil), a.devices...), nil
}

// Acquire resolves devices for constraints, asks for permission and builds
// a stream. Screen streams report external stop when their video track ends.
func (a *DeviceAcquirer) Acquire(ctx context.Context, constraints Constraints) (Stream, error) {
	plan, err := a.resolve(constraints)
	if err != nil {
		return nil, err
	}
	if err := a.permission(ctx, constraints); err != nil {
		return nil, acquisitionError(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, acquisitionError(err)
	}

	stream := newLocalStream()
	for _, device := range plan {
		var (
			track *LocalTrack
			err   error
		)
		if device.Kind == DeviceAudioInput {
			track, err = NewAudioTrack(stream.ID(), device.Label)
		} else {
			track, err = NewVideoTrack(stream.ID(), device.Label)
		}
		if err != nil {
			for _, created := range stream.tracks {
				created.Stop()
			}
			return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
		}
		if constraints.Source == SourceScreen {
			track.onEnd(stream.fireExternalStop)
		}
		stream.add(track)
	}

	a.logger.Debug("media acquired",
		"source", constraints.Source.String(),
		"stream_id", stream.ID(),
		"tracks", len(stream.tracks),
	)
	return stream, nil
}

// acquisitionError keeps permission and device errors as they are and files
// everything else under ErrAcquisitionFailed.
func acquisitionError(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrAcquisitionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAcquisitionFailed, err)
}

func (a *DeviceAcquirer) resolve(constraints Constraints) ([]Device, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	switch constraints.Source {
	case SourceMicrophoneAndCamera:
		mic, ok := a.firstOfKind(DeviceAudioInput)
		if !ok {
			return nil, fmt.Errorf("%w: no audio input", ErrDeviceNotFound)
		}
		plan := []Device{mic}
		if constraints.Video {
			cam, ok := a.firstOfKind(DeviceVideoInput)
			if !ok {
				return nil, fmt.Errorf("%w: no video input", ErrDeviceNotFound)
			}
			plan = append(plan, cam)
		}
		return plan, nil
	case SourceScreen:
		if constraints.SourceID == "" {
			display, ok := a.firstOfKind(DeviceDisplay)
			if !ok {
				return nil, fmt.Errorf("%w: no display", ErrDeviceNotFound)
			}
			return []Device{display}, nil
		}
		for _, device := range a.devices {
			if device.Kind == DeviceDisplay && device.ID == constraints.SourceID {
				return []Device{device}, nil
			}
		}
		return nil, fmt.Errorf("%w: unknown display source %q", ErrAcquisitionFailed, constraints.SourceID)
	default:
		return nil, fmt.Errorf("%w: unknown source kind %d", ErrAcquisitionFailed, constraints.Source)
	}
}

func (a *DeviceAcquirer) firstOfKind(kind DeviceKind) (Device, bool) {
	for _, device := range a.devices {
		if device.Kind == kind {
			return device, true
		}
	}
	return Device{}, false
}
