// Package auditlog appends committed claim and party mutations to hourly
// zstd-compressed JSONL segments under one directory.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"claimsync.ai/internal/model"
)

const (
	ActionClaimCreate      = "claim_create"
	ActionClaimUpdate      = "claim_update"
	ActionClaimDelete      = "claim_delete"
	ActionPermissionUpdate = "permission_update"
	ActionPartyCreate      = "party_create"
)

type Entry struct {
	Time      int64        `json:"time"`
	Action    string       `json:"action"`
	ActorID   string       `json:"actor_id"`
	RequestID string       `json:"request_id,omitempty"`
	World     string       `json:"world,omitempty"`
	ClaimID   string       `json:"claim_id,omitempty"`
	Claim     *model.Claim `json:"claim,omitempty"`
	Party     *model.Party `json:"party,omitempty"`
}

// Writer rotates to a new segment every UTC hour. OnClose, if set, runs
// with the path of every segment that was closed, outside the lock.
type Writer struct {
	baseDir string
	prefix  string
	now     func() time.Time
	OnClose func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func New(baseDir, prefix string) *Writer {
	return &Writer{baseDir: baseDir, prefix: prefix, now: time.Now}
}

// SetClock overrides the time source (tests).
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

func (w *Writer) Close() error {
	w.mu.Lock()
	closed, err := w.closeLocked()
	w.mu.Unlock()
	w.notify(closed)
	return err
}

// Append stamps e with the current time when unset and writes it.
func (w *Writer) Append(e Entry) error {
	now := w.now()
	if e.Time == 0 {
		e.Time = now.UnixMilli()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	var closed string
	hour := now.UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		closed, err = w.rotateLocked(hour)
		if err != nil {
			w.mu.Unlock()
			w.notify(closed)
			return err
		}
	}
	if _, err = w.w.Write(b); err == nil {
		if err = w.w.WriteByte('\n'); err == nil {
			err = w.w.Flush()
		}
	}
	w.mu.Unlock()
	w.notify(closed)
	return err
}

func (w *Writer) notify(path string) {
	if path != "" && w.OnClose != nil {
		w.OnClose(path)
	}
}

func (w *Writer) rotateLocked(hour string) (string, error) {
	closed, err := w.closeLocked()
	if err != nil {
		return closed, err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return closed, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return closed, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return closed, err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	w.curPath = path
	return closed, nil
}

// closeLocked returns the path of the segment it closed, if any.
func (w *Writer) closeLocked() (string, error) {
	if w.f == nil {
		return "", nil
	}
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if cerr := w.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	path := w.curPath
	w.f, w.enc, w.w = nil, nil, nil
	w.curHour, w.curPath = "", ""
	return path, err
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadSegment decodes every entry of one segment file.
func ReadSegment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var out []Entry
	jd := json.NewDecoder(dec)
	for {
		var e Entry
		if err := jd.Decode(&e); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
}

// Segments lists segment files under dir in name (and so time) order.
func Segments(dir, prefix string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
