// Package stream turns provider-native streaming responses into the canonical
// chunk stream.
//
// A provider supplies two things: an Opener that connects upstream and yields
// raw Frames, and a Decoder that maps each Frame to at most one Event. The
// Translator owns everything else: ordering, idle timeouts, cancellation and
// the guarantee that every stream ends with exactly one terminal chunk.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// Frame is one provider-native unit: an SSE event, an NDJSON line or an
// event-stream message.
type Frame struct {
	Event string
	Data  []byte
}

// Source yields frames until it returns an error; io.EOF marks a clean end of
// the upstream body. Close must be safe to call more than once and must
// unblock a pending Next.
type Source interface {
	Next() (Frame, error)
	Close() error
}

// Opener connects to the upstream. The context it receives is cancelled when
// the translator stops, which must abort the upstream connection.
type Opener func(ctx context.Context) (Source, error)

const maxLineBytes = 1 << 20

var ErrLineTooLong = errors.New("stream line exceeds limit")

type lineReader struct {
	br        *bufio.Reader
	body      io.Closer
	closeOnce sync.Once
	closeErr  error
}

func newLineReader(body io.ReadCloser) lineReader {
	return lineReader{br: bufio.NewReaderSize(body, 32*1024), body: body}
}

// readLine returns the next line without its terminator.
func (r *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.br.ReadLine()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (r *lineReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}

// SSESource parses a text/event-stream body.
type SSESource struct {
	lineReader
}

func NewSSESource(body io.ReadCloser) *SSESource {
	return &SSESource{lineReader: newLineReader(body)}
}

func (s *SSESource) Next() (Frame, error) {
	var (
		event   string
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && hasData {
				return Frame{Event: event, Data: data.Bytes()}, nil
			}
			return Frame{}, err
		}

		if len(line) == 0 {
			if hasData {
				return Frame{Event: event, Data: data.Bytes()}, nil
			}
			event = ""
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			event = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		}
	}
}

// NDJSONSource yields one frame per non-empty line.
type NDJSONSource struct {
	lineReader
}

func NewNDJSONSource(body io.ReadCloser) *NDJSONSource {
	return &NDJSONSource{lineReader: newLineReader(body)}
}

func (s *NDJSONSource) Next() (Frame, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return Frame{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return Frame{Data: line}, nil
	}
}

// ChanSource adapts a channel of frames, used by SDK-driven event streams.
// The producer closes the channel when done and reports its final error via Err.
type ChanSource struct {
	frames <-chan Frame
	err    func() error
	close  func() error
	once   sync.Once
}

func NewChanSource(frames <-chan Frame, errFn func() error, closeFn func() error) *ChanSource {
	return &ChanSource{frames: frames, err: errFn, close: closeFn}
}

func (s *ChanSource) Next() (Frame, error) {
	f, ok := <-s.frames
	if !ok {
		if s.err != nil {
			if err := s.err(); err != nil {
				return Frame{}, err
			}
		}
		return Frame{}, io.EOF
	}
	return f, nil
}

func (s *ChanSource) Close() error {
	var err error
	s.once.Do(func() {
		if s.close != nil {
			err = s.close()
		}
	})
	return err
}
