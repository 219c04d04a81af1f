package event

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Encoder writes events as newline-delimited JSON records.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode validates and writes a single event record.
func (enc *Encoder) Encode(ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := enc.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited JSON event records. Decoding is strict:
// unknown JSON fields and unknown kinds fail validation. A validation failure
// is returned wrapped in ErrInvalid and does not consume the rest of the
// stream, so callers can drop the record and keep reading; Skipped counts how
// many records were rejected that way.
type Decoder struct {
	scanner *bufio.Scanner

	// Skipped is the number of records that failed validation and were
	// passed over by callers that continue after ErrInvalid.
	Skipped int
}

// NewDecoder returns a decoder reading from r. Individual records up to 1 MiB
// are accepted.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode returns the next event. io.EOF signals a cleanly closed stream. An
// error wrapping ErrInvalid signals a rejected record; any other error is a
// transport fault.
func (dec *Decoder) Decode() (*Event, error) {
	for {
		if !dec.scanner.Scan() {
			if err := dec.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(dec.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev Event
		d := json.NewDecoder(bytes.NewReader(line))
		d.DisallowUnknownFields()
		if err := d.Decode(&ev); err != nil {
			dec.Skipped++
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := ev.Validate(); err != nil {
			dec.Skipped++
			return nil, err
		}
		return &ev, nil
	}
}
