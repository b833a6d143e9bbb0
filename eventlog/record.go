package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/beekeeper/errors"
)

// Payload is the data of one update record. EventKind becomes the record's
// kind tag; Validate is checked before anything is written.
type Payload interface {
	EventKind() string
	Validate() error
}

// Entry is one update record read back from a log.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the record data into v. The kind tag is part of the data
// object and is ignored unless v has a matching field.
func (e Entry) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeFormat, "decode "+e.Kind)
	}
	return nil
}

// Reducer folds update records into a projection.
type Reducer interface {
	// Reset discards all projected state.
	Reset()

	// Apply folds one record. An error skips the record.
	Apply(Entry) error
}

// line is the on-disk shape shared by init markers and update records.
type line struct {
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Segment   string          `json:"segment,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (l line) isInit() bool {
	return len(l.Data) == 0 && l.Segment != ""
}

// parseLine decodes one non-empty line. It returns the segment for init
// markers and the entry for update records.
func parseLine(raw []byte) (segment string, entry Entry, err error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return "", Entry{}, errors.WrapWithCode(err, errors.ErrCodeFormat, "malformed line")
	}
	if l.Timestamp.IsZero() {
		return "", Entry{}, errors.Format("record has no timestamp")
	}
	if l.isInit() {
		return l.Segment, Entry{}, nil
	}
	if len(l.Data) == 0 {
		return "", Entry{}, errors.Format("record has neither data nor segment")
	}

	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(l.Data, &tag); err != nil {
		return "", Entry{}, errors.WrapWithCode(err, errors.ErrCodeFormat, "data is not an object")
	}
	if tag.Kind == "" {
		return "", Entry{}, errors.Format("data has no kind")
	}
	return "", Entry{ID: l.ID, Timestamp: l.Timestamp, Kind: tag.Kind, Data: l.Data}, nil
}

// encodeData validates p and returns its JSON object with the kind tag
// prepended.
func encodeData(p Payload) ([]byte, error) {
	kind := p.EventKind()
	if kind == "" {
		return nil, errors.Format("payload has no kind")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeFormat, "invalid "+kind)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeFormat, "marshal "+kind)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, errors.Format(kind + " must encode as a JSON object")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeFormat, "marshal "+kind)
	}
	if _, ok := probe["kind"]; ok {
		return nil, errors.Format(kind + " must not carry its own kind field")
	}

	tag, _ := json.Marshal(kind)
	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	fmt.Fprintf(&buf, `{"kind":%s`, tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
