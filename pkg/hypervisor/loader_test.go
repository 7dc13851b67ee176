package hypervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mapLoader map[string][]byte

func (m mapLoader) Load(ctx context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func TestLoaderGateWaitsForInstall(t *testing.T) {
	gate := NewLoaderGate()

	result := make(chan []byte, 1)
	go func() {
		data, err := gate.Load(context.Background(), "k")
		if err != nil {
			t.Errorf("Load: %v", err)
		}
		result <- data
	}()

	select {
	case <-result:
		t.Fatal("Load returned before a loader was installed")
	case <-time.After(20 * time.Millisecond):
	}

	if err := gate.Install(mapLoader{"k": []byte("v")}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	select {
	case data := <-result:
		if string(data) != "v" {
			t.Errorf("Load = %q, want %q", data, "v")
		}
	case <-time.After(time.Second):
		t.Fatal("Load did not return after Install")
	}
}

func TestLoaderGateInstallErrors(t *testing.T) {
	gate := NewLoaderGate()
	if err := gate.Install(nil); !errors.Is(err, ErrNilLoader) {
		t.Errorf("Install(nil) = %v, want ErrNilLoader", err)
	}
	if err := gate.Install(mapLoader{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := gate.Install(mapLoader{}); !errors.Is(err, ErrLoaderInstalled) {
		t.Errorf("second Install = %v, want ErrLoaderInstalled", err)
	}
	select {
	case <-gate.Installed():
	default:
		t.Error("Installed not closed after Install")
	}
}

func TestLoaderGateContextCanceled(t *testing.T) {
	gate := NewLoaderGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gate.Load(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Load = %v, want context.Canceled", err)
	}
}
