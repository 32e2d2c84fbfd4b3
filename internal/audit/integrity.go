package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// IntegrityMetadata contains the chain fields attached to an exported audit entry.
type IntegrityMetadata struct {
	Sequence  int64  `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// IntegrityChain links exported entries with HMACs so that removing, reordering or
// editing an entry breaks verification of everything after it.
type IntegrityChain struct {
	mu        sync.Mutex
	key       []byte
	algorithm string
	sequence  int64
	prevHash  string
}

// MinKeyLength is the minimum accepted HMAC key length.
const MinKeyLength = 32

// ChainState is the persisted position of a chain.
type ChainState struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
}

// NewIntegrityChain creates a chain. algorithm is "hmac-sha256" (default) or "hmac-sha512".
func NewIntegrityChain(key []byte, algorithm string) (*IntegrityChain, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("key too short: got %d bytes, need at least %d", len(key), MinKeyLength)
	}
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	switch algorithm {
	case "hmac-sha256", "hmac-sha512":
	default:
		return nil, fmt.Errorf("unsupported algorithm %q: use hmac-sha256 or hmac-sha512", algorithm)
	}
	return &IntegrityChain{key: key, algorithm: algorithm}, nil
}

// LoadKey reads an HMAC key from keyFile, or failing that from the keyEnv variable.
func LoadKey(keyFile, keyEnv string) ([]byte, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", keyFile, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("key file %q is empty", keyFile)
		}
		return []byte(key), nil
	}

	if keyEnv != "" {
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %q is empty or not set", keyEnv)
		}
		return []byte(key), nil
	}

	return nil, errors.New("no key source specified: provide key_file or key_env")
}

// Wrap adds an "integrity" object to a JSON payload and advances the chain.
func (c *IntegrityChain) Wrap(payload []byte) ([]byte, error) {
	data, err := decodeObject(payload)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	delete(data, "integrity")
	canonical, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.sequence + 1
	entryHash := computeHash(c.algorithm, c.key, seq, c.prevHash, canonical)
	data["integrity"] = IntegrityMetadata{Sequence: seq, PrevHash: c.prevHash, EntryHash: entryHash}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal wrapped payload: %w", err)
	}
	c.sequence = seq
	c.prevHash = entryHash
	return out, nil
}

func (c *IntegrityChain) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainState{Sequence: c.sequence, PrevHash: c.prevHash}
}

// Restore continues an existing chain, e.g. after reopening an export file.
func (c *IntegrityChain) Restore(st ChainState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = st.Sequence
	c.prevHash = st.PrevHash
}

// VerifyResult summarises a chain verification.
type VerifyResult struct {
	Entries  int
	Last     ChainState
	BadLine  int // 1-based, 0 when the chain is intact
	BadCause string
}

func (r VerifyResult) OK() bool { return r.BadLine == 0 }

// Verify walks a JSONL stream of wrapped entries and checks every link.
// Lines without an integrity object are counted as failures.
func Verify(r io.Reader, key []byte, algorithm string) (VerifyResult, error) {
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	var res VerifyResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		fail := func(cause string) (VerifyResult, error) {
			res.BadLine = line
			res.BadCause = cause
			return res, nil
		}
		data, err := decodeObject(raw)
		if err != nil {
			return fail("invalid json: " + err.Error())
		}
		metaRaw, ok := data["integrity"]
		if !ok {
			return fail("missing integrity metadata")
		}
		delete(data, "integrity")
		metaJSON, err := json.Marshal(metaRaw)
		if err != nil {
			return fail("bad integrity metadata")
		}
		var meta IntegrityMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return fail("bad integrity metadata")
		}
		if meta.Sequence != res.Last.Sequence+1 {
			return fail(fmt.Sprintf("sequence %d follows %d", meta.Sequence, res.Last.Sequence))
		}
		if meta.PrevHash != res.Last.PrevHash {
			return fail("prev_hash does not match preceding entry")
		}
		canonical, err := json.Marshal(data)
		if err != nil {
			return fail("canonical marshal: " + err.Error())
		}
		want := computeHash(algorithm, key, meta.Sequence, meta.PrevHash, canonical)
		if !hmac.Equal([]byte(want), []byte(meta.EntryHash)) {
			return fail("entry_hash mismatch")
		}
		res.Entries++
		res.Last = ChainState{Sequence: meta.Sequence, PrevHash: meta.EntryHash}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read: %w", err)
	}
	return res, nil
}

// TailState returns the chain position after the last wrapped entry in r, so an
// existing export can be continued. Entries are not verified.
func TailState(r io.Reader) (ChainState, error) {
	var st ChainState
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line struct {
			Integrity *IntegrityMetadata `json:"integrity"`
		}
		if err := json.Unmarshal(raw, &line); err != nil || line.Integrity == nil {
			continue
		}
		st = ChainState{Sequence: line.Integrity.Sequence, PrevHash: line.Integrity.EntryHash}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read: %w", err)
	}
	return st, nil
}

// decodeObject keeps numbers as json.Number so 64-bit addresses survive re-encoding.
func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return data, nil
}

// computeHash is HMAC(sequence "|" prev_hash "|" payload).
func computeHash(algorithm string, key []byte, sequence int64, prevHash string, payload []byte) string {
	var h hash.Hash
	switch algorithm {
	case "hmac-sha512":
		h = hmac.New(sha512.New, key)
	default:
		h = hmac.New(sha256.New, key)
	}
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
