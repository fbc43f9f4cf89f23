package media

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// DeviceErrorKind classifies capture failures.
type DeviceErrorKind int

const (
	DeviceUnknown DeviceErrorKind = iota
	DevicePermissionDenied
	DeviceNotFound
	DeviceBusy
)

func (k DeviceErrorKind) String() string {
	switch k {
	case DevicePermissionDenied:
		return "permission-denied"
	case DeviceNotFound:
		return "not-found"
	case DeviceBusy:
		return "busy"
	}
	return "unknown"
}

// DeviceError is returned when local capture cannot be acquired.
type DeviceError struct {
	Kind      DeviceErrorKind
	AudioOnly bool
	Err       error
}

func (e *DeviceError) Error() string {
	what := "camera and microphone"
	if e.AudioOnly {
		what = "microphone"
	}
	if e.Err == nil {
		return fmt.Sprintf("acquire %s: %s", what, e.Kind)
	}
	return fmt.Sprintf("acquire %s: %s: %v", what, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Remediation is the user-facing hint for the failure.
func (e *DeviceError) Remediation() string {
	switch e.Kind {
	case DevicePermissionDenied:
		return "Access to your microphone or camera was denied. Grant permission and try again."
	case DeviceNotFound:
		return "No microphone was found. Connect an audio input device and try again."
	case DeviceBusy:
		return "Your microphone or camera is in use by another application. Close it and try again."
	}
	return "Cannot access microphone. Please check your permissions and try again."
}

// NewDeviceError classifies err into a *DeviceError. An err that already is
// one is returned unchanged.
func NewDeviceError(err error, audioOnly bool) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	return &DeviceError{Kind: classify(err), AudioOnly: audioOnly, Err: err}
}

func classify(err error) DeviceErrorKind {
	switch {
	case err == nil:
		return DeviceUnknown
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return DevicePermissionDenied
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return DeviceNotFound
	case errors.Is(err, syscall.EBUSY):
		return DeviceBusy
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"):
		return DevicePermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return DeviceBusy
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"),
		strings.Contains(msg, "failed to find"), strings.Contains(msg, "no devices"):
		return DeviceNotFound
	}
	return DeviceUnknown
}
