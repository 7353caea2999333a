package pipeline

import (
	"bytes"

	"github.com/larrabee/s3ingest/remotefile"
)

// Sink receives decoded lines with their metadata.
// Emit may block, a slow sink slows down the calling worker.
type Sink interface {
	Emit(line []byte, meta map[string]interface{}) error
}

// Flusher is implemented by sinks that buffer per object.
// Flush is called after the last line of every object.
type Flusher interface {
	Flush(meta map[string]interface{}) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line []byte, meta map[string]interface{}) error

// Emit implements Sink.
func (fn SinkFunc) Emit(line []byte, meta map[string]interface{}) error {
	return fn(line, meta)
}

var (
	cloudfrontVersion = []byte("#Version: ")
	cloudfrontFields  = []byte("#Fields: ")
)

// emitLines sends every line of f to sink and returns number of emitted lines.
// CloudFront header lines are moved to metadata instead of being emitted.
func emitLines(f *remotefile.RemoteFile, sink Sink) (uint64, error) {
	meta := f.Metadata()
	var lines uint64

	err := f.EachLine(func(line []byte) error {
		switch {
		case bytes.HasPrefix(line, cloudfrontVersion):
			meta["cloudfront_version"] = string(bytes.TrimSpace(line[len(cloudfrontVersion):]))
			return nil
		case bytes.HasPrefix(line, cloudfrontFields):
			meta["cloudfront_fields"] = string(bytes.TrimSpace(line[len(cloudfrontFields):]))
			return nil
		}
		if err := sink.Emit(line, copyMeta(meta)); err != nil {
			return err
		}
		lines++
		return nil
	})
	linesCount.Add(float64(lines))
	if err != nil {
		return lines, err
	}

	if flusher, ok := sink.(Flusher); ok {
		if err := flusher.Flush(copyMeta(meta)); err != nil {
			return lines, err
		}
	}
	return lines, nil
}

func copyMeta(meta map[string]interface{}) map[string]interface{} {
	res := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		res[k] = v
	}
	return res
}
