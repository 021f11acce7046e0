package fingerprint_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
)

func TestSum_knownVectors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"two blocks", "abcdbcdecdefdefgefghfghighijhijkijkljklmklmnlmnomnopnopq",
			"248d6a61d20638b8e5c026930c3e6039a33ce45964ff2167f6ecedd419db06c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fingerprint.Sum([]byte(tt.in)).String()
			if got != tt.want {
				t.Errorf("Sum(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestHasher_streamingMatchesOneShot(t *testing.T) {
	data := bytes.Repeat([]byte("trusted capture "), 10_000)

	h := fingerprint.NewHasher()
	for off := 0; off < len(data); off += 4096 {
		end := off + 4096
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[off:end]) //nolint:errcheck
	}

	if h.Key() != fingerprint.Sum(data) {
		t.Errorf("streaming key differs from one-shot key")
	}
	if h.Len() != int64(len(data)) {
		t.Errorf("Len() = %d, want %d", h.Len(), len(data))
	}
}

func TestHasher_teeWhileCopying(t *testing.T) {
	src := strings.Repeat("frame", 2048)
	var dst bytes.Buffer
	h := fingerprint.NewHasher()

	if _, err := io.Copy(io.MultiWriter(&dst, h), strings.NewReader(src)); err != nil {
		t.Fatal(err)
	}
	if dst.String() != src {
		t.Errorf("destination did not receive the full stream")
	}
	if h.Key() != fingerprint.Sum([]byte(src)) {
		t.Errorf("tee key mismatch")
	}
}

func TestHasher_reset(t *testing.T) {
	h := fingerprint.NewHasher()
	h.Write([]byte("junk")) //nolint:errcheck
	h.Reset()
	if h.Key() != fingerprint.Sum(nil) || h.Len() != 0 {
		t.Errorf("Reset() did not restore the empty state")
	}
}

func TestFromReader(t *testing.T) {
	k, n, err := fingerprint.FromReader(strings.NewReader("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 bytes read, got %d", n)
	}
	if k != fingerprint.Sum([]byte("abc")) {
		t.Errorf("FromReader key mismatch")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestFromReader_readError(t *testing.T) {
	if _, _, err := fingerprint.FromReader(failingReader{}); err == nil {
		t.Error("expected read error to propagate")
	}
}

func TestSum_singleBitFlipChangesKey(t *testing.T) {
	b := []byte("original capture bytes")
	orig := fingerprint.Sum(b)
	for i := range b {
		mutated := append([]byte(nil), b...)
		mutated[i] ^= 0x01
		if fingerprint.Sum(mutated) == orig {
			t.Fatalf("flipping byte %d did not change the key", i)
		}
	}
}

func TestParse(t *testing.T) {
	want := fingerprint.Sum([]byte("abc"))

	got, err := fingerprint.Parse(want.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("Parse round trip mismatch")
	}

	got, err = fingerprint.Parse("sha256:" + want.String())
	if err != nil || got != want {
		t.Errorf("Parse with prefix: got %s, err %v", got, err)
	}

	for _, bad := range []string{"", "abc", strings.Repeat("z", 64), want.String() + "00"} {
		if _, err := fingerprint.Parse(bad); !errors.Is(err, fingerprint.ErrInvalidKey) {
			t.Errorf("Parse(%q): expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestKey_JSON(t *testing.T) {
	k := fingerprint.Sum([]byte("json"))
	raw, err := json.Marshal(map[string]fingerprint.Key{"key": k})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), k.String()) {
		t.Errorf("expected hex key in %s", raw)
	}

	var out map[string]fingerprint.Key
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out["key"] != k {
		t.Errorf("JSON decode mismatch")
	}
}

func TestKey_IsZero(t *testing.T) {
	var zero fingerprint.Key
	if !zero.IsZero() {
		t.Error("zero key should report IsZero")
	}
	if fingerprint.Sum(nil).IsZero() {
		t.Error("key of empty input is a real key, not zero")
	}
}
