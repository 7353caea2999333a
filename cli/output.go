package main

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/larrabee/s3ingest/pipeline"
)

var (
	_ pipeline.Sink    = &lineSink{}
	_ pipeline.Flusher = &lineSink{}
	_ pipeline.Sink    = &jsonSink{}
	_ pipeline.Flusher = &jsonSink{}
)

// lineSink writes raw lines. Lines of concurrently processed objects may interleave.
type lineSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newSink(format string, w io.Writer) pipeline.Sink {
	if format == "json" {
		bw := bufio.NewWriter(w)
		return &jsonSink{w: bw, enc: json.NewEncoder(bw)}
	}
	return &lineSink{w: bufio.NewWriter(w)}
}

func (s *lineSink) Emit(line []byte, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *lineSink) Flush(_ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

type event struct {
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"@metadata"`
}

// jsonSink writes one JSON document per line.
type jsonSink struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

func (s *jsonSink) Emit(line []byte, meta map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(event{Message: string(line), Metadata: meta})
}

func (s *jsonSink) Flush(_ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}
