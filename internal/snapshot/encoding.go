package snapshot

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// EncodingBase64 marks a string value stored as base64 because its bytes are
// not valid UTF-8.
const EncodingBase64 = "base64"

// Keys that are not valid UTF-8 cannot be JSON object names without being
// rewritten, so they are stored under "binary_keys" by their base64 form.
type document struct {
	Metadata   Metadata              `json:"metadata"`
	Keys       map[string]recordJSON `json:"keys"`
	BinaryKeys map[string]recordJSON `json:"binary_keys,omitempty"`
}

type recordJSON struct {
	Type     string  `json:"type"`
	Value    *string `json:"value,omitempty"`
	Encoding string  `json:"encoding,omitempty"`
	Dump     []byte  `json:"dump,omitempty"`
	TTL      int64   `json:"ttl"`
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	doc := document{
		Metadata: s.Metadata,
		Keys:     make(map[string]recordJSON, len(s.Keys)),
	}
	for key, rec := range s.Keys {
		out := encodeRecord(rec)
		if utf8.ValidString(key) {
			doc.Keys[key] = out
			continue
		}
		if doc.BinaryKeys == nil {
			doc.BinaryKeys = make(map[string]recordJSON)
		}
		doc.BinaryKeys[base64.StdEncoding.EncodeToString([]byte(key))] = out
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	keys := make(map[string]Record, len(doc.Keys)+len(doc.BinaryKeys))
	for key, in := range doc.Keys {
		rec, err := decodeRecord(in)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		keys[key] = rec
	}
	for encoded, in := range doc.BinaryKeys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("binary key %q: %w", encoded, err)
		}
		key := string(raw)
		if _, dup := keys[key]; dup {
			return fmt.Errorf("binary key %q duplicates a plain key", encoded)
		}
		rec, err := decodeRecord(in)
		if err != nil {
			return fmt.Errorf("binary key %q: %w", encoded, err)
		}
		keys[key] = rec
	}

	s.Metadata = doc.Metadata
	s.Keys = keys
	return nil
}

func encodeRecord(r Record) recordJSON {
	out := recordJSON{Type: r.Type, Value: r.Value, Dump: r.Dump, TTL: r.TTL}
	if r.Value != nil && !utf8.ValidString(*r.Value) {
		encoded := base64.StdEncoding.EncodeToString([]byte(*r.Value))
		out.Value = &encoded
		out.Encoding = EncodingBase64
	}
	return out
}

func decodeRecord(in recordJSON) (Record, error) {
	rec := Record{Type: in.Type, Value: in.Value, Dump: in.Dump, TTL: in.TTL}
	switch in.Encoding {
	case "":
	case EncodingBase64:
		if in.Value == nil {
			break
		}
		raw, err := base64.StdEncoding.DecodeString(*in.Value)
		if err != nil {
			return Record{}, fmt.Errorf("decode value: %w", err)
		}
		value := string(raw)
		rec.Value = &value
	default:
		return Record{}, fmt.Errorf("unknown value encoding %q", in.Encoding)
	}
	return rec, nil
}
