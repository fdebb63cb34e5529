package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/23skdu/canopy/internal/core"
	"github.com/goccy/go-json"
)

const maxCorpusLine = 64 * 1024 * 1024

// corpusRecord is one JSONL line of a build corpus. Content is stored as-is;
// the vector comes from Vector or, when absent, from embedding Text. Group
// limits embedding context to neighbouring records of the same group.
type corpusRecord struct {
	Content json.RawMessage `json:"content"`
	Vector  []float32       `json:"vector,omitempty"`
	Text    string          `json:"text,omitempty"`
	Group   string          `json:"group,omitempty"`
}

// readCorpus calls fn for every non-blank line of r. Line numbers start at 1.
func readCorpus(r io.Reader, fn func(line int, rec corpusRecord) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCorpusLine)

	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec corpusRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return core.NewInvalidArgumentError("corpus", fmt.Sprintf("line %d: %v", line, err))
		}
		if len(rec.Content) == 0 {
			return core.NewInvalidArgumentError("corpus", fmt.Sprintf("line %d: content is required", line))
		}
		if len(rec.Vector) == 0 && rec.Text == "" {
			return core.NewInvalidArgumentError("corpus", fmt.Sprintf("line %d: vector or text is required", line))
		}
		rec.Content = append(json.RawMessage(nil), rec.Content...)
		if err := fn(line, rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read corpus at line %d: %w", line+1, err)
	}
	return nil
}

type windowEntry struct {
	line int
	rec  corpusRecord
}

// contextWindow delays each text record until the overlap records after it
// have been read, then embeds it with its neighbours as context: the texts of
// the records from line-overlap to line+overlap that share its group, joined by
// spaces, then ".\n\n" and the record's own text. An overlap of 0 embeds the
// text alone.
type contextWindow struct {
	overlap int
	entries []windowEntry // up to overlap emitted records followed by the pending ones
	next    int           // first pending entry
	emit    func(line int, rec corpusRecord, text string) error
}

func newContextWindow(overlap int, emit func(line int, rec corpusRecord, text string) error) *contextWindow {
	return &contextWindow{overlap: max(overlap, 0), emit: emit}
}

func (w *contextWindow) push(line int, rec corpusRecord) error {
	w.entries = append(w.entries, windowEntry{line: line, rec: rec})
	for w.next < len(w.entries) && len(w.entries)-1-w.next >= w.overlap {
		if err := w.emitNext(); err != nil {
			return err
		}
	}
	return nil
}

// flush emits the records still waiting for followers.
func (w *contextWindow) flush() error {
	for w.next < len(w.entries) {
		if err := w.emitNext(); err != nil {
			return err
		}
	}
	return nil
}

func (w *contextWindow) emitNext() error {
	i := w.next
	cur := w.entries[i]
	lo, hi := max(i-w.overlap, 0), min(i+w.overlap+1, len(w.entries))
	text := composeText(w.entries[lo:hi], cur.rec, w.overlap)

	w.next++
	if drop := w.next - w.overlap; drop > 0 {
		w.entries = w.entries[drop:]
		w.next -= drop
	}
	return w.emit(cur.line, cur.rec, text)
}

func composeText(neighbours []windowEntry, cur corpusRecord, overlap int) string {
	if overlap == 0 {
		return cur.Text
	}
	parts := make([]string, 0, len(neighbours))
	for _, n := range neighbours {
		if n.rec.Group == cur.Group {
			parts = append(parts, n.rec.Text)
		}
	}
	return strings.Join(parts, " ") + ".\n\n" + cur.Text
}

// parseVector parses "0.1,0.2,0.3".
func parseVector(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte("["+s+"]"), &v); err != nil {
		return nil, core.NewInvalidArgumentError("vector", fmt.Sprintf("expected comma separated floats: %v", err))
	}
	if len(v) == 0 {
		return nil, core.NewInvalidArgumentError("vector", "must not be empty")
	}
	return v, nil
}
