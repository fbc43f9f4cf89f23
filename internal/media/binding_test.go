package media_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/media/mediatest"
)

func TestSharedCaptureRefcount(t *testing.T) {
	stack := mediatest.NewStack()
	shared := media.NewSharedCapture(stack, zap.NewNop())

	c1, rel1, err := shared.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c2, rel2, err := shared.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatal("second acquire must share the capture")
	}
	if len(stack.Captures()) != 1 {
		t.Fatalf("expected one device acquisition, got %d", len(stack.Captures()))
	}

	rel1()
	rel1()
	if shared.Refs() != 1 {
		t.Fatalf("double release must count once, refs=%d", shared.Refs())
	}
	fake := stack.Captures()[0]
	if fake.Stops() != 0 {
		t.Fatal("capture stopped while still referenced")
	}

	rel2()
	if fake.Stops() != 1 {
		t.Fatalf("expected one stop after last release, got %d", fake.Stops())
	}

	// Next acquire opens the devices again.
	if _, rel, err := shared.Acquire(context.Background(), false); err != nil {
		t.Fatalf("reacquire: %v", err)
	} else {
		rel()
	}
	if len(stack.Captures()) != 2 {
		t.Errorf("expected a fresh acquisition, got %d", len(stack.Captures()))
	}
}

func TestSharedCaptureFallsBackToAudio(t *testing.T) {
	stack := mediatest.NewStack()
	stack.FailVideo = errors.New("camera busy")
	shared := media.NewSharedCapture(stack, zap.NewNop())

	c, rel, err := shared.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("expected audio-only fallback, got %v", err)
	}
	defer rel()
	if !c.AudioOnly() {
		t.Error("fallback capture should be audio-only")
	}
	if len(c.Tracks()) != 1 || c.Tracks()[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Errorf("expected a single audio track, got %d tracks", len(c.Tracks()))
	}
}

func TestSharedCaptureDeviceError(t *testing.T) {
	stack := mediatest.NewStack()
	stack.FailVideo = errors.New("camera: permission denied")
	stack.FailAudio = errors.New("microphone: permission denied")
	shared := media.NewSharedCapture(stack, zap.NewNop())

	_, _, err := shared.Acquire(context.Background(), false)
	var de *media.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if de.Kind != media.DevicePermissionDenied {
		t.Errorf("expected permission-denied, got %s", de.Kind)
	}
	if shared.Refs() != 0 {
		t.Errorf("failed acquire must not hold a reference")
	}
}

func TestBindAddsRecvOnlyForMissingKinds(t *testing.T) {
	stack := mediatest.NewStack()
	stack.FailVideo = errors.New("no camera")
	shared := media.NewSharedCapture(stack, zap.NewNop())

	b, err := media.Bind(context.Background(), stack, shared, media.BindOptions{})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer b.Close()

	tr := stack.Last()
	if got := tr.RecvOnly(); !reflect.DeepEqual(got, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}) {
		t.Errorf("expected recvonly video, got %v", got)
	}
	if !tr.Subscribed() {
		t.Error("handlers not subscribed")
	}
}

func TestBindingCloseOrder(t *testing.T) {
	stack := mediatest.NewStack()
	shared := media.NewSharedCapture(stack, zap.NewNop())

	b, err := media.Bind(context.Background(), stack, shared, media.BindOptions{AudioOnly: true})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	want := []string{
		"acquire 1 audioOnly=true",
		"transport.create 1",
		"transport.unsubscribe 1",
		"capture.stop 1",
		"transport.close 1",
	}
	if got := stack.Log.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected order:\n got %v\nwant %v", got, want)
	}
	if stack.Last().Closes() != 1 {
		t.Errorf("transport closed %d times", stack.Last().Closes())
	}
}

func TestBindTransportFailureReleasesCapture(t *testing.T) {
	stack := mediatest.NewStack()
	stack.FailTransport = errors.New("no sockets")
	shared := media.NewSharedCapture(stack, zap.NewNop())

	if _, err := media.Bind(context.Background(), stack, shared, media.BindOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if shared.Refs() != 0 {
		t.Errorf("capture reference leaked")
	}
	if stack.Captures()[0].Stops() != 1 {
		t.Errorf("capture not stopped")
	}
}

func TestClassifyDeviceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want media.DeviceErrorKind
	}{
		{errors.New("open /dev/video0: permission denied"), media.DevicePermissionDenied},
		{errors.New("device or resource busy"), media.DeviceBusy},
		{errors.New("failed to find the best driver that fits the constraints"), media.DeviceNotFound},
		{errors.New("something odd"), media.DeviceUnknown},
	}
	for _, tt := range tests {
		de := media.NewDeviceError(tt.err, false)
		if de.Kind != tt.want {
			t.Errorf("%q: got %s, want %s", tt.err, de.Kind, tt.want)
		}
		if de.Remediation() == "" {
			t.Errorf("%q: empty remediation", tt.err)
		}
		if !errors.Is(de, tt.err) {
			t.Errorf("%q: DeviceError must unwrap to the cause", tt.err)
		}
	}
}
