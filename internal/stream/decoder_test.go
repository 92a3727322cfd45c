package stream

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

// chunkReader returns the configured chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, r io.Reader) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range Decode(r) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

const sampleStream = "data: {\"type\":\"delta\",\"data\":\"Hel\"}\n" +
	"data: {\"type\":\"delta\",\"data\":\"lo ✓\"}\n" +
	"data: {\"type\":\"action\",\"action\":\"add_component\",\"params\":{\"comp_type\":\"Button\",\"w\":4}}\n" +
	"data: {\"type\":\"done\",\"explanation\":\"added a button\"}\n"

func sampleEvents() []Event {
	return []Event{
		Delta{Text: "Hel"},
		Delta{Text: "lo ✓"},
		Action{Name: "add_component", Params: map[string]any{"comp_type": "Button", "w": float64(4)}},
		Done{Explanation: "added a button"},
	}
}

func TestDecodeWholeStream(t *testing.T) {
	got, err := collect(t, strings.NewReader(sampleStream))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, sampleEvents()) {
		t.Fatalf("unexpected events:\n got %#v\nwant %#v", got, sampleEvents())
	}
}

func TestDecodeIsIndependentOfChunkBoundaries(t *testing.T) {
	raw := []byte(sampleStream)
	want := sampleEvents()

	for split := 1; split < len(raw); split++ {
		r := &chunkReader{chunks: [][]byte{
			append([]byte(nil), raw[:split]...),
			append([]byte(nil), raw[split:]...),
		}}
		got, err := collect(t, r)
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split %d: unexpected events %#v", split, got)
		}
	}
}

func TestDecodeOneByteReads(t *testing.T) {
	got, err := collect(t, iotest.OneByteReader(strings.NewReader(sampleStream)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, sampleEvents()) {
		t.Fatalf("unexpected events %#v", got)
	}
}

func TestDecodeSkipsMalformedLine(t *testing.T) {
	input := "data: {\"type\":\"delta\",\"data\":\"a\"}\n" +
		"data: {not json\n" +
		"data: {\"type\":\"delta\",\"data\":\"b\"}\n"

	got, err := collect(t, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Event{Delta{Text: "a"}, Delta{Text: "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}

func TestDecodeIgnoresUnknownTypesAndNonDataLines(t *testing.T) {
	input := ": keep-alive\n" +
		"event: message\n" +
		"\n" +
		"data: {\"type\":\"usage\",\"tokens\":12}\n" +
		"data: {\"type\":\"error\",\"data\":\"model overloaded\"}\r\n"

	got, err := collect(t, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Event{Error{Message: "model overloaded"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}

func TestDecodeDropsTrailingPartialLine(t *testing.T) {
	input := "data: {\"type\":\"delta\",\"data\":\"a\"}\n" +
		"data: {\"type\":\"delta\",\"data\":\"b\"}"

	got, err := collect(t, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != (Delta{Text: "a"}) {
		t.Fatalf("expected only the terminated line, got %#v", got)
	}
}

func TestDecodeYieldsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := &chunkReader{
		chunks: [][]byte{[]byte("data: {\"type\":\"delta\",\"data\":\"a\"}\n")},
		err:    boom,
	}

	got, err := collect(t, r)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the event before the error, got %#v", got)
	}
}

func TestDecodeStopsWhenConsumerBreaks(t *testing.T) {
	count := 0
	for range Decode(strings.NewReader(sampleStream)) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected to stop after 2 events, got %d", count)
	}
}
