package latent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/melih/lighthouse-latent/internal/errdefs"
)

func TestRegistryConnectWakesWaiter(t *testing.T) {
	reg := NewRegistry()
	reg.Expect("w1", "secret")

	got := make(chan error, 1)
	go func() {
		info, err := reg.Wait(context.Background(), "w1", "secret")
		if err == nil && info.RemoteAddr != "10.0.0.2:1" {
			err = errors.New("unexpected remote " + info.RemoteAddr)
		}
		got <- err
	}()

	if _, err := reg.Connect("w1", "wrong", "10.0.0.9:1"); !errors.Is(err, errdefs.ErrUnauthorizedAgent) {
		t.Fatalf("wrong token err = %v", err)
	}
	if _, err := reg.Connect("w1", "secret", "10.0.0.2:1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	if _, ok := reg.Connected("w1"); !ok {
		t.Error("connection not reported")
	}
}

func TestRegistryConnectBeforeWait(t *testing.T) {
	reg := NewRegistry()
	reg.Expect("w1", "t")
	if _, err := reg.Connect("w1", "t", "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Wait(ctx, "w1", "t"); err != nil {
		t.Fatalf("Wait after connect: %v", err)
	}
}

func TestRegistryForgetCancelsWaiter(t *testing.T) {
	reg := NewRegistry()
	reg.Expect("w1", "t")

	got := make(chan error, 1)
	go func() {
		_, err := reg.Wait(context.Background(), "w1", "t")
		got <- err
	}()
	// Let the waiter block before dropping the registration.
	time.Sleep(10 * time.Millisecond)
	reg.Forget("w1")

	select {
	case err := <-got:
		if !errors.Is(err, errdefs.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
	if _, err := reg.Connect("w1", "t", "a"); !errors.Is(err, errdefs.ErrUnauthorizedAgent) {
		t.Errorf("connect after forget err = %v", err)
	}
}

func TestRegistryDisconnect(t *testing.T) {
	reg := NewRegistry()
	reg.Expect("w1", "t")
	if _, err := reg.Connect("w1", "t", "a"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Disconnect("w1", "bad"); !errors.Is(err, errdefs.ErrUnauthorizedAgent) {
		t.Errorf("disconnect with bad token err = %v", err)
	}
	if err := reg.Disconnect("w1", "t"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok := reg.Connected("w1"); ok {
		t.Error("still connected after disconnect")
	}
	if _, err := reg.Connect("w1", "t", "b"); err != nil {
		t.Errorf("reconnect: %v", err)
	}
}

func TestRegistryWaitRespectsContext(t *testing.T) {
	reg := NewRegistry()
	reg.Expect("w1", "t")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := reg.Wait(ctx, "w1", "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
