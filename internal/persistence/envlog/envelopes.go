// Package envlog keeps a zstd-compressed JSONL record of every message
// crossing a peer link. Each peer gets its own directory of numbered
// segments; a segment ends when the UTC day changes or it grows past the
// size cap.
package envlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/SakuraServer/Transporter/internal/protocol"
)

const DefaultSegmentBytes = 32 << 20

const redacted = "***"

// Entry is one logged peer message.
type Entry struct {
	Time      time.Time       `json:"time"`
	Direction string          `json:"direction"`
	Peer      string          `json:"peer"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
}

// EnvelopeLogger writes peer traffic under dir/envelopes/<peer>/.
type EnvelopeLogger struct {
	dir      string
	maxBytes int64
	now      func() time.Time
	log      *log.Logger

	mu       sync.Mutex
	segments map[string]*segment
}

type segment struct {
	day     string
	seq     int
	f       *os.File
	enc     *zstd.Encoder
	written int64
}

func NewEnvelopeLogger(dir string, maxBytes int64, logger *log.Logger) *EnvelopeLogger {
	if logger == nil {
		logger = log.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultSegmentBytes
	}
	return &EnvelopeLogger{
		dir:      filepath.Join(dir, "envelopes"),
		maxBytes: maxBytes,
		now:      time.Now,
		log:      logger,
		segments: map[string]*segment{},
	}
}

// Log records raw, which must be a JSON document. Secrets are masked
// before writing. Write failures are logged and otherwise ignored.
func (l *EnvelopeLogger) Log(direction, peer, msgType string, raw []byte) {
	e := Entry{
		Time:      l.now().UTC(),
		Direction: direction,
		Peer:      peer,
		Type:      msgType,
	}
	if json.Valid(raw) {
		e.Message = redact(msgType, raw)
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.log.Printf("warning: envelope log encode: %v", err)
		return
	}
	if err := l.append(peer, e.Time, append(line, '\n')); err != nil {
		l.log.Printf("warning: envelope log write for %s: %v", peer, err)
	}
}

func (l *EnvelopeLogger) append(peer string, at time.Time, line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := at.Format("2006-01-02")
	seg := l.segments[peer]
	if seg != nil && (seg.day != day || seg.written >= l.maxBytes) {
		if err := seg.close(); err != nil {
			l.log.Printf("warning: envelope log close for %s: %v", peer, err)
		}
		delete(l.segments, peer)
		seg = nil
	}
	if seg == nil {
		next, err := l.nextSeq(peer, day)
		if err != nil {
			return err
		}
		if seg, err = l.open(peer, day, next); err != nil {
			return err
		}
		l.segments[peer] = seg
	}
	n, err := seg.enc.Write(line)
	seg.written += int64(n)
	return err
}

// nextSeq picks the first segment number after those already on disk so a
// restart never appends to an old segment.
func (l *EnvelopeLogger) nextSeq(peer, day string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(l.peerDir(peer), day+"-*.jsonl.zst"))
	if err != nil {
		return 0, err
	}
	next := 0
	for _, p := range paths {
		if _, seq, ok := parseSegment(filepath.Base(p)); ok && seq >= next {
			next = seq + 1
		}
	}
	return next, nil
}

func (l *EnvelopeLogger) open(peer, day string, seq int) (*segment, error) {
	dir := l.peerDir(peer)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%03d.jsonl.zst", day, seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{day: day, seq: seq, f: f, enc: enc}, nil
}

func (s *segment) close() error {
	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *EnvelopeLogger) peerDir(peer string) string {
	return filepath.Join(l.dir, safeName(peer))
}

// Segments lists the segment files of peer, oldest first.
func (l *EnvelopeLogger) Segments(peer string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(l.peerDir(peer), "*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool {
		di, si, _ := parseSegment(filepath.Base(paths[i]))
		dj, sj, _ := parseSegment(filepath.Base(paths[j]))
		if di != dj {
			return di < dj
		}
		return si < sj
	})
	return paths, nil
}

// Close finishes every open segment.
func (l *EnvelopeLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for peer, seg := range l.segments {
		if err := seg.close(); err != nil && first == nil {
			first = err
		}
		delete(l.segments, peer)
	}
	return first
}

// ReadSegment decodes one segment file.
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
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// redact masks the player pin of reservations and the key of handshakes.
func redact(msgType string, raw []byte) json.RawMessage {
	out := append(json.RawMessage(nil), raw...)
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return out
	}
	switch msgType {
	case protocol.TypeReservation:
		var env map[string]json.RawMessage
		if err := json.Unmarshal(msg["reservation"], &env); err != nil {
			return out
		}
		if !mask(env, "playerPin") {
			return out
		}
		b, err := json.Marshal(env)
		if err != nil {
			return out
		}
		msg["reservation"] = b
	case protocol.TypeHello:
		if !mask(msg, "key") {
			return out
		}
	default:
		return out
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return out
	}
	return b
}

func mask(m map[string]json.RawMessage, field string) bool {
	if _, ok := m[field]; !ok {
		return false
	}
	m[field] = json.RawMessage(strconv.Quote(redacted))
	return true
}

func parseSegment(base string) (day string, seq int, ok bool) {
	name, found := strings.CutSuffix(base, ".jsonl.zst")
	if !found || len(name) < len("2006-01-02-0") {
		return "", 0, false
	}
	day, num := name[:10], name[11:]
	n, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, false
	}
	return day, n, true
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
