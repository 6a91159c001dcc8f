// Package sse decodes the agent's blank-line delimited `data:` frame stream
// into discrete payload strings.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const dataPrefix = "data:"

// Decoder turns a response body into an ordered sequence of frame payloads.
// It is tied to one body and cannot be restarted.
type Decoder struct {
	reader *bufio.Reader
	body   io.Closer

	frame strings.Builder
	done  bool
}

// NewDecoder wraps r. If r is also an io.Closer, Close releases it.
func NewDecoder(r io.Reader) *Decoder {
	d := &Decoder{reader: bufio.NewReader(r)}
	if c, ok := r.(io.Closer); ok {
		d.body = c
	}
	return d
}

// Next returns the next complete payload. It returns io.EOF once the stream
// is exhausted and any unterminated trailing frame has been flushed. Other
// errors are transport failures from the underlying reader.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return "", err
			}
			// A line without its terminator at EOF is a torn read; drop it.
			d.done = true
			if payload, ok := d.flush(); ok {
				return payload, nil
			}
			return "", io.EOF
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if payload, ok := d.flush(); ok {
				return payload, nil
			}
			continue
		}

		if strings.HasPrefix(line, dataPrefix) {
			d.frame.WriteString(strings.TrimPrefix(line, dataPrefix))
			d.frame.WriteByte('\n')
		}
		// event:, id:, retry: and comment lines carry nothing the assembler uses.
	}
}

func (d *Decoder) flush() (string, bool) {
	if d.frame.Len() == 0 {
		return "", false
	}
	payload := strings.TrimSuffix(d.frame.String(), "\n")
	d.frame.Reset()
	return payload, true
}

// Close releases the underlying body, if any.
func (d *Decoder) Close() error {
	d.done = true
	if d.body != nil {
		return d.body.Close()
	}
	return nil
}

// ReadAll drains the decoder. It is meant for tests and tools, not for the
// streaming path.
func ReadAll(d *Decoder) ([]string, error) {
	var payloads []string
	for {
		payload, err := d.Next()
		if errors.Is(err, io.EOF) {
			return payloads, nil
		}
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, payload)
	}
}
