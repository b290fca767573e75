package state

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHubIDStable(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	id1, err := s.HubID()
	if err != nil {
		t.Fatal(err)
	}
	if id1 == "" {
		t.Fatal("empty hub id")
	}
	id2, _ := s.HubID()
	if id2 != id1 {
		t.Fatalf("hub id changed within a run: %s -> %s", id1, id2)
	}
	s.Close()

	// Reopen: identity must survive restarts.
	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	id3, _ := s2.HubID()
	if id3 != id1 {
		t.Fatalf("hub id changed across restart: %s -> %s", id1, id3)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)

	secret := []byte("hue-username-abc123")
	if err := s.SetCredential("dev-1", secret); err != nil {
		t.Fatal(err)
	}

	got, valid, err := s.Credential("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("fresh credential should be valid")
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("secret mismatch: %q", got)
	}
}

func TestCredentialInvalidate(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetCredential("dev-1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.InvalidateCredential("dev-1"); err != nil {
		t.Fatal(err)
	}

	_, valid, err := s.Credential("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("credential should be invalid after auth failure")
	}

	// Re-pairing restores validity.
	if err := s.SetCredential("dev-1", []byte("y")); err != nil {
		t.Fatal(err)
	}
	got, valid, _ := s.Credential("dev-1")
	if !valid || string(got) != "y" {
		t.Errorf("rotation failed: valid=%v secret=%q", valid, got)
	}
}

func TestCredentialNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Credential("never-paired")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentialDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetCredential("dev-1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCredential("dev-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Credential("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDescriptorCache(t *testing.T) {
	s := openTestStore(t)

	d := model.DeviceDescriptor{
		Protocol:    model.ProtocolESPHome,
		Name:        "kitchen-sensor",
		Address:     "192.168.1.50",
		Port:        6053,
		Fingerprint: "11:22:33:44:55:66",
		Metadata:    map[string]string{"board": "esp32dev"},
		LastSeen:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveDescriptor(d); err != nil {
		t.Fatal(err)
	}

	// Re-save with a new address: same key, updated row.
	d.Address = "192.168.1.51"
	if err := s.SaveDescriptor(d); err != nil {
		t.Fatal(err)
	}

	got, err := s.Descriptors()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(got))
	}
	if got[0].Address != "192.168.1.51" {
		t.Errorf("address not updated: %s", got[0].Address)
	}
	if got[0].Metadata["board"] != "esp32dev" {
		t.Errorf("metadata lost: %v", got[0].Metadata)
	}
}
