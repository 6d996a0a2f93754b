package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
)

const framePrefix = "data:"

// Decoder turns a byte stream of "data: <json>" lines into events. Lines may
// be split across reads; the trailing fragment of each read is held back
// until its newline arrives. Lines that are blank, lack the "data:" prefix or
// fail to parse are skipped, never fatal.
type Decoder struct {
	r       io.Reader
	readBuf []byte
	pending []byte
	lines   [][]byte
	eof     bool

	// Skipped counts lines dropped because their payload did not parse.
	Skipped int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, readBuf: make([]byte, 4096)}
}

// Next returns the next parsed event, or io.EOF once the reader is drained.
func (d *Decoder) Next() (Event, error) {
	for {
		for len(d.lines) > 0 {
			line := d.lines[0]
			d.lines = d.lines[1:]
			if ev, ok := d.parseLine(line); ok {
				return ev, nil
			}
		}
		if d.eof {
			return Event{}, io.EOF
		}
		if err := d.fill(); err != nil {
			return Event{}, err
		}
	}
}

func (d *Decoder) fill() error {
	n, err := d.r.Read(d.readBuf)
	if n > 0 {
		d.pending = append(d.pending, d.readBuf[:n]...)
		for {
			i := bytes.IndexByte(d.pending, '\n')
			if i < 0 {
				break
			}
			line := make([]byte, i)
			copy(line, d.pending[:i])
			d.lines = append(d.lines, line)
			d.pending = d.pending[i+1:]
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.eof = true
			if len(d.pending) > 0 {
				d.lines = append(d.lines, d.pending)
				d.pending = nil
			}
			return nil
		}
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

func (d *Decoder) parseLine(raw []byte) (Event, bool) {
	line := strings.TrimSpace(string(raw))
	if line == "" || !strings.HasPrefix(line, framePrefix) {
		return Event{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, framePrefix))
	if payload == "[DONE]" {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		d.Skipped++
		log.Printf("Error parsing stream line (length %d): %v. Preview: %.200s", len(line), err, line)
		return Event{}, false
	}
	return ev, true
}
