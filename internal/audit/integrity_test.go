package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewIntegrityChain_Validation(t *testing.T) {
	if _, err := NewIntegrityChain([]byte("short"), ""); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewIntegrityChain(testKey, "md5"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
	if _, err := NewIntegrityChain(testKey, "hmac-sha512"); err != nil {
		t.Fatalf("hmac-sha512: %v", err)
	}
}

func TestIntegrityChain_Wrap(t *testing.T) {
	chain, err := NewIntegrityChain(testKey, "")
	if err != nil {
		t.Fatal(err)
	}

	wrapped, err := chain.Wrap([]byte(`{"kind":"SPI-WRITE","address":4294901760}`))
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(wrapped, &result); err != nil {
		t.Fatalf("unmarshal wrapped payload: %v", err)
	}
	if result["kind"] != "SPI-WRITE" {
		t.Errorf("kind = %v, want SPI-WRITE", result["kind"])
	}
	integrity, ok := result["integrity"].(map[string]any)
	if !ok {
		t.Fatalf("integrity field missing, got %T", result["integrity"])
	}
	if seq, _ := integrity["sequence"].(float64); seq != 1 {
		t.Errorf("integrity.sequence = %v, want 1", integrity["sequence"])
	}
	if prev, _ := integrity["prev_hash"].(string); prev != "" {
		t.Errorf("integrity.prev_hash = %q, want empty", prev)
	}
	if h, _ := integrity["entry_hash"].(string); h == "" {
		t.Error("integrity.entry_hash is empty")
	}
}

func TestIntegrityChain_Wrap_InvalidJSON(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	if _, err := chain.Wrap([]byte("not json")); err == nil {
		t.Fatal("expected error")
	}
	if st := chain.State(); st.Sequence != 0 {
		t.Errorf("failed wrap advanced the chain to %d", st.Sequence)
	}
}

func wrapAll(t *testing.T, chain *IntegrityChain, payloads ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range payloads {
		w, err := chain.Wrap([]byte(p))
		if err != nil {
			t.Fatalf("Wrap(%s): %v", p, err)
		}
		buf.Write(w)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func TestVerify_IntactChain(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	data := wrapAll(t, chain,
		`{"seq":1,"value":18446744073709551615}`,
		`{"seq":2}`,
		`{"seq":3}`,
	)

	res, err := Verify(bytes.NewReader(data), testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() {
		t.Fatalf("chain reported broken at line %d: %s", res.BadLine, res.BadCause)
	}
	if res.Entries != 3 {
		t.Errorf("entries = %d, want 3", res.Entries)
	}
	if res.Last != chain.State() {
		t.Errorf("last state %+v != chain state %+v", res.Last, chain.State())
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	data := wrapAll(t, chain, `{"allowed":false}`, `{"allowed":false}`, `{"allowed":false}`)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"allowed":false`, `"allowed":true`, 1)
	tampered := strings.Join(lines, "\n")

	res, err := Verify(strings.NewReader(tampered), testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.BadLine != 2 {
		t.Fatalf("BadLine = %d, want 2", res.BadLine)
	}
}

func TestVerify_DetectsDeletion(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	data := wrapAll(t, chain, `{"n":1}`, `{"n":2}`, `{"n":3}`)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pruned := lines[0] + "\n" + lines[2] + "\n"

	res, err := Verify(strings.NewReader(pruned), testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.BadLine != 2 {
		t.Fatalf("BadLine = %d, want 2", res.BadLine)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	chain, _ := NewIntegrityChain(testKey, "")
	data := wrapAll(t, chain, `{"n":1}`)
	res, err := Verify(bytes.NewReader(data), []byte("ffffffffffffffffffffffffffffffff"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.OK() {
		t.Fatal("expected verification failure with wrong key")
	}
}

func TestIntegrityChain_Restore(t *testing.T) {
	a, _ := NewIntegrityChain(testKey, "")
	first := wrapAll(t, a, `{"n":1}`)

	b, _ := NewIntegrityChain(testKey, "")
	b.Restore(a.State())
	second := wrapAll(t, b, `{"n":2}`)

	res, err := Verify(bytes.NewReader(append(first, second...)), testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK() || res.Entries != 2 {
		t.Fatalf("restored chain did not verify: %+v", res)
	}
}

func TestLoadKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("  secret-from-file \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := LoadKey(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(key) != "secret-from-file" {
		t.Errorf("key = %q", key)
	}

	t.Setenv("SENTINEL_TEST_AUDIT_KEY", "secret-from-env")
	key, err = LoadKey("", "SENTINEL_TEST_AUDIT_KEY")
	if err != nil {
		t.Fatal(err)
	}
	if string(key) != "secret-from-env" {
		t.Errorf("key = %q", key)
	}

	if _, err := LoadKey("", ""); err == nil {
		t.Error("expected error with no key source")
	}
}

func TestTailState(t *testing.T) {
	chain, err := NewIntegrityChain(testKey, "")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	for _, p := range []string{`{"n":1}`, `{"n":2}`} {
		w, err := chain.Wrap([]byte(p))
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(w)
		buf.WriteByte('\n')
	}
	buf.WriteString("not json\n")

	st, err := TailState(&buf)
	if err != nil {
		t.Fatalf("TailState() error = %v", err)
	}
	if st != chain.State() {
		t.Fatalf("TailState() = %+v, want %+v", st, chain.State())
	}
}
