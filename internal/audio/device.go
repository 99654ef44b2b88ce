package audio

import (
	"errors"
	"fmt"
)

// ErrDeviceClosed is returned by reads and writes after Close.
var ErrDeviceClosed = errors.New("audio device closed")

// Capture yields fixed-size PCM frames from the microphone.
type Capture interface {
	// ReadFrame fills p completely or returns an error; short frames are never returned.
	ReadFrame(p []byte) error
	Close() error
}

// Playback consumes downlink audio frames verbatim.
type Playback interface {
	Write(frame []byte) error
	Close() error
}

// DeviceError wraps a failure on a capture or playback device.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
