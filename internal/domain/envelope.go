package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SpecVersion     = "1.0"
	ContentTypeJSON = "application/json"
	ExtensionEdge   = "cf"
)

const (
	TypeConnection   = "connection"
	TypeAddMarker    = "add-marker"
	TypeRemoveMarker = "remove-marker"
	TypeChatJoin     = "chat.join"
	TypeChatLeave    = "chat.leave"
	TypeError        = "error"
)

var ErrMissingFields = errors.New("missing required fields")

var reservedKeys = map[string]struct{}{
	"id":              {},
	"specversion":     {},
	"source":          {},
	"type":            {},
	"time":            {},
	"datacontenttype": {},
	"data":            {},
}

// Envelope wraps every event we broadcast or hand to the ingestion sink.
// Extensions are flattened next to the fixed attributes on the wire.
type Envelope struct {
	ID              string
	SpecVersion     string
	Source          string
	Type            string
	Time            time.Time
	DataContentType string
	Data            json.RawMessage
	Extensions      map[string]any
}

func NewID() string {
	return uuid.NewString()
}

// NewEvent builds an envelope without doing any I/O.
func NewEvent(source, eventType string, data any, attrs map[string]any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", eventType, err)
	}

	var ext map[string]any
	if len(attrs) > 0 {
		ext = make(map[string]any, len(attrs))
		for k, v := range attrs {
			if _, ok := reservedKeys[k]; ok {
				continue
			}
			ext[k] = v
		}
	}

	return Envelope{
		ID:              NewID(),
		SpecVersion:     SpecVersion,
		Source:          source,
		Type:            eventType,
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeJSON,
		Data:            raw,
		Extensions:      ext,
	}, nil
}

func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// Validate checks the fields an ingestion producer must always send.
func (e Envelope) Validate() error {
	var missing []string
	if !e.HasData() {
		missing = append(missing, "data")
	}
	if strings.TrimSpace(e.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(e.Type) == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extensions)+7)
	for k, v := range e.Extensions {
		out[k] = v
	}
	out["id"] = e.ID
	out["specversion"] = e.SpecVersion
	out["source"] = e.Source
	out["type"] = e.Type
	if !e.Time.IsZero() {
		out["time"] = e.Time.Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		out["datacontenttype"] = e.DataContentType
	}
	if len(e.Data) > 0 {
		out["data"] = e.Data
	}
	return json.Marshal(out)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("envelope must be a JSON object")
	}

	*e = Envelope{}
	str := func(key string, dst *string) error {
		raw, ok := fields[key]
		if !ok || bytes.Equal(raw, []byte("null")) {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	if err := str("id", &e.ID); err != nil {
		return err
	}
	if err := str("specversion", &e.SpecVersion); err != nil {
		return err
	}
	if err := str("source", &e.Source); err != nil {
		return err
	}
	if err := str("type", &e.Type); err != nil {
		return err
	}
	if err := str("datacontenttype", &e.DataContentType); err != nil {
		return err
	}

	var ts string
	if err := str("time", &ts); err != nil {
		return err
	}
	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("time: %w", err)
		}
		e.Time = t
	}

	if raw, ok := fields["data"]; ok {
		e.Data = raw
	}

	for k, v := range fields {
		if _, ok := reservedKeys[k]; ok {
			continue
		}
		if e.Extensions == nil {
			e.Extensions = make(map[string]any)
		}
		e.Extensions[k] = v
	}
	return nil
}
