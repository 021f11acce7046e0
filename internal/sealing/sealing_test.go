package sealing_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/trustedcapture/internal/sealing"
)

func sample() *sealing.CaptureMetadata {
	return &sealing.CaptureMetadata{
		FileName:    "IMG_0001.jpg",
		ContentType: "image/jpeg",
		Size:        2048,
		CapturedAt:  time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC),
		Device:      &sealing.Device{Platform: "android", Model: "Pixel 9"},
		Location:    &sealing.Location{Latitude: 51.5, Longitude: -0.12, AccuracyM: 8},
	}
}

func TestSealer_encryptedRoundTrip(t *testing.T) {
	k, err := sealing.GenerateKeyring()
	if err != nil {
		t.Fatal(err)
	}
	s := sealing.NewSealer(k)

	sealed, err := s.Seal(sample())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("IMG_0001")) {
		t.Error("sealed metadata leaks plaintext")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileName != "IMG_0001.jpg" || got.Device.Model != "Pixel 9" || got.Location.Latitude != 51.5 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestSealer_plaintextWithoutKeyring(t *testing.T) {
	s := sealing.NewSealer(nil)
	if s.Encrypted() {
		t.Error("sealer without keyring must not report encryption")
	}
	sealed, err := s.Seal(sample())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(sealed, []byte("{")) {
		t.Errorf("expected JSON, got %q", sealed)
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 2048 {
		t.Errorf("Size = %d", got.Size)
	}
}

func TestSealer_openEncryptedWithoutKeyring(t *testing.T) {
	k, _ := sealing.GenerateKeyring()
	sealed, err := sealing.NewSealer(k).Seal(sample())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sealing.NewSealer(nil).Open(sealed); !errors.Is(err, sealing.ErrNoKeyring) {
		t.Errorf("expected ErrNoKeyring, got %v", err)
	}
}

func TestSealer_wrongKey(t *testing.T) {
	k1, _ := sealing.GenerateKeyring()
	k2, _ := sealing.GenerateKeyring()
	sealed, _ := sealing.NewSealer(k1).Seal(sample())
	if _, err := sealing.NewSealer(k2).Open(sealed); err == nil {
		t.Error("expected decryption with the wrong key to fail")
	}
}

func TestKeyring_saveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.txt")
	k, _ := sealing.GenerateKeyring()
	if err := k.Save(path); err != nil {
		t.Fatal(err)
	}
	if err := k.Save(path); err == nil {
		t.Error("Save must refuse to overwrite an identity file")
	}

	loaded, err := sealing.LoadKeyring(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Recipient() != k.Recipient() {
		t.Errorf("recipient mismatch after load")
	}

	ct, _ := k.EncryptBytes([]byte("payload"))
	pt, err := loaded.DecryptBytes(ct)
	if err != nil || string(pt) != "payload" {
		t.Errorf("loaded keyring cannot decrypt: %q %v", pt, err)
	}
}
