package viewer

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/carecall/internal/proto"
	"github.com/petervdpas/carecall/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

// LogBuffer keeps recent log lines of this process so the surface can show
// what a call did. Lines logged with a "[session]" prefix are attributed to
// that call.
type LogBuffer struct {
	lines *util.RingBuffer[proto.LogLine]

	mu   sync.Mutex
	subs map[chan proto.LogLine]string // channel -> session filter
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		lines: util.NewRingBuffer[proto.LogLine](max),
		subs:  make(map[chan proto.LogLine]string),
	}
}

// Capture tees every go-log logger into the buffer until ctx is done.
func (b *LogBuffer) Capture(ctx context.Context) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()
	go b.consume(r)
}

func (b *LogBuffer) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256<<10)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); strings.TrimSpace(line) != "" {
			b.add(parseLogLine(line, time.Now()))
		}
	}
}

func (b *LogBuffer) add(l proto.LogLine) {
	b.lines.Push(l)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, session := range b.subs {
		if session != "" && session != l.Session {
			continue
		}
		select {
		case ch <- l:
		default:
		}
	}
}

// Recent returns up to limit of the newest lines, oldest first, optionally
// only those of one session. limit <= 0 means all.
func (b *LogBuffer) Recent(session string, limit int) []proto.LogLine {
	if session == "" {
		return b.lines.Last(limit)
	}
	var out []proto.LogLine
	for _, l := range b.lines.Snapshot() {
		if l.Session == session {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Follow delivers new lines until cancel is called. Slow readers miss lines.
func (b *LogBuffer) Follow(session string) (<-chan proto.LogLine, func()) {
	ch := make(chan proto.LogLine, 64)

	b.mu.Lock()
	b.subs[ch] = session
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// parseLogLine splits go-log's plaintext format:
// time, level, logger, caller and message separated by tabs.
func parseLogLine(raw string, now time.Time) proto.LogLine {
	l := proto.LogLine{TS: now, Msg: raw}

	fields := strings.SplitN(raw, "\t", 5)
	if len(fields) == 5 {
		if ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", fields[0]); err == nil {
			l.TS = ts
		}
		l.Level = strings.ToLower(fields[1])
		l.Logger = fields[2]
		l.Msg = fields[4]
	}

	if rest, ok := strings.CutPrefix(l.Msg, "["); ok {
		if id, _, ok := strings.Cut(rest, "]"); ok && id != "" && !strings.ContainsAny(id, " \t") {
			l.Session = id
		}
	}
	return l
}
