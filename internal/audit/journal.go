// Package audit keeps a tamper-evident journal of delivery outcomes.
//
// Every dispatch Result becomes one JSON line. Each line carries the SHA-256
// digest of its own content and the digest of the line before it, so editing
// or removing any record breaks the chain from that point on:
//
//	hash(N) = SHA-256( JSON({seq, ts, delivery, prev_hash}) )
//
// The first record links to GenesisHash. Verify walks a journal file and
// reports the first break.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/docwatch/agent/internal/dispatch"
)

// GenesisHash is the prev_hash of the first record in a journal.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds a single journal line when reading.
const maxLine = 1 << 20

// Delivery is the journaled view of one dispatch result.
type Delivery struct {
	DocumentID string `json:"document_id"`
	Index      string `json:"index"`
	Kind       string `json:"kind"`
	Path       string `json:"path"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Record is one verified journal line.
type Record struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Delivery  Delivery  `json:"delivery"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// content is the hashed portion of a Record.
type content struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Delivery  Delivery  `json:"delivery"`
	PrevHash  string    `json:"prev_hash"`
}

func (r Record) content() content {
	return content{Seq: r.Seq, Timestamp: r.Timestamp, Delivery: r.Delivery, PrevHash: r.PrevHash}
}

// Journal appends delivery records to a file. It implements
// dispatch.Recorder and is safe for concurrent use.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens or creates the journal at path. An existing journal is verified
// first so that new records continue its chain; a broken journal is
// rejected.
func Open(path string) (*Journal, error) {
	seq, prevHash := int64(0), GenesisHash

	existing, err := Verify(path)
	switch {
	case err == nil:
		if n := len(existing); n > 0 {
			seq, prevHash = existing[n-1].Seq, existing[n-1].Hash
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	return &Journal{file: f, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Record appends r to the journal.
func (j *Journal) Record(_ context.Context, r dispatch.Result) error {
	d := Delivery{
		DocumentID: r.Message.DocumentID,
		Index:      r.Message.Index,
		Kind:       r.Message.Event.Kind.String(),
		Path:       r.Message.Event.Path,
		Outcome:    string(r.Outcome),
		Attempts:   r.Attempts,
	}
	if r.Err != nil {
		d.Error = r.Err.Error()
	}
	_, err := j.Append(d)
	return err
}

// Append writes d as the next record and returns it.
func (j *Journal) Append(d Delivery) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{
		Seq:       j.seq + 1,
		Timestamp: j.now().UTC(),
		Delivery:  d,
		PrevHash:  j.prevHash,
	}
	rec.Hash = hash(rec.content())

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}

	j.seq = rec.Seq
	j.prevHash = rec.Hash
	return rec, nil
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return j.file.Close()
}

// Verify reads the journal at path and checks every link in the chain. It
// returns the records in order, or the first error found. An empty file is a
// valid journal.
func Verify(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify %q: %w", path, err)
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader is Verify over an arbitrary reader.
func VerifyReader(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		records  []Record
		prevHash = GenesisHash
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("audit: line %d: malformed record: %w", lineNo, err)
		}
		if want := int64(len(records) + 1); rec.Seq != want {
			return nil, fmt.Errorf("audit: line %d: seq %d, want %d", lineNo, rec.Seq, want)
		}
		if rec.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: prev_hash %q, want %q",
				rec.Seq, rec.PrevHash, prevHash)
		}
		if computed := hash(rec.content()); computed != rec.Hash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				rec.Seq, rec.Hash, computed)
		}
		records = append(records, rec)
		prevHash = rec.Hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read: %w", err)
	}
	return records, nil
}

func hash(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// content holds only strings, ints and a time.
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
