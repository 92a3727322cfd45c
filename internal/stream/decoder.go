package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

const readChunkSize = 4096

var dataPrefix = []byte("data: ")

// wireEvent is the JSON shape of a single data line.
type wireEvent struct {
	Type        string         `json:"type"`
	Data        string         `json:"data"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	Explanation string         `json:"explanation"`
}

// Decode yields events from newline-delimited "data: <json>" frames.
//
// Lines may arrive split across reads; only complete lines are decoded.
// Malformed JSON and unknown event types are skipped. Bytes left without a
// terminating newline at end of stream are discarded. A read error other
// than io.EOF is yielded once and ends the sequence.
func Decode(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		chunk := make([]byte, readChunkSize)
		var pending []byte

		for {
			n, err := r.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
				for {
					idx := bytes.IndexByte(pending, '\n')
					if idx < 0 {
						break
					}
					line := pending[:idx]
					ev, ok := parseLine(line)
					pending = pending[idx+1:]
					if ok && !yield(ev, nil) {
						return
					}
				}
				// Compact so the backing array does not grow with the stream.
				pending = bytes.Clone(pending)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, fmt.Errorf("read stream: %w", err))
				}
				return
			}
		}
	}
}

func parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	var w wireEvent
	if err := json.Unmarshal(line[len(dataPrefix):], &w); err != nil {
		return nil, false
	}

	switch w.Type {
	case KindDelta:
		return Delta{Text: w.Data}, true
	case KindAction:
		return Action{Name: w.Action, Params: w.Params}, true
	case KindDone:
		return Done{Explanation: w.Explanation}, true
	case KindError:
		return Error{Message: w.Data}, true
	default:
		return nil, false
	}
}
