package credentials

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrFormatUnrecognized is returned when no decoder recovers a JSON object.
var ErrFormatUnrecognized = errors.New("credential format unrecognized")

// Decrypter opens a sealed blob into out.
type Decrypter interface {
	Decrypt(blob []byte, out any) error
}

// Input is a stored credential as read from the row.
type Input struct {
	Raw          any
	RawEncrypted []byte
}

// Decoder recovers a credential object from one storage encoding. ok is false
// when the encoding does not apply; the parser then moves to the next decoder.
type Decoder interface {
	Name() string
	Decode(in Input) (value map[string]any, ok bool)
}

// Parser tries its decoders in order and returns the first success.
type Parser struct {
	decoders []Decoder
}

// NewParser returns a parser over the encodings found in stored rows, most
// specific first. Double encoded JSON must be tried before base64 so rows that
// wrap JSON twice are not under-parsed.
func NewParser(decrypter Decrypter) *Parser {
	return &Parser{decoders: []Decoder{
		StructuredDecoder{},
		JSONDecoder{},
		DoubleJSONDecoder{},
		Base64JSONDecoder{},
		BinaryDecoder{Decrypter: decrypter},
	}}
}

func (p *Parser) Decoders() []Decoder {
	return p.decoders
}

// Parse recovers the credential object from raw and rawEncrypted.
func (p *Parser) Parse(raw any, rawEncrypted []byte) (map[string]any, error) {
	in := Input{Raw: raw, RawEncrypted: rawEncrypted}
	for _, decoder := range p.decoders {
		if value, ok := decoder.Decode(in); ok {
			return value, nil
		}
	}
	return nil, ErrFormatUnrecognized
}

func rawString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	case []byte:
		return string(v), true
	case json.RawMessage:
		return string(v), true
	}
	return "", false
}

func decodeObject(data []byte) (map[string]any, bool) {
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil || value == nil {
		return nil, false
	}
	return value, true
}

// StructuredDecoder accepts values that are already objects.
type StructuredDecoder struct{}

func (StructuredDecoder) Name() string { return "structured" }

func (StructuredDecoder) Decode(in Input) (map[string]any, bool) {
	switch v := in.Raw.(type) {
	case map[string]any:
		return v, v != nil
	case map[string]string:
		if v == nil {
			return nil, false
		}
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// JSONDecoder parses a string holding a JSON object.
type JSONDecoder struct{}

func (JSONDecoder) Name() string { return "json" }

func (JSONDecoder) Decode(in Input) (map[string]any, bool) {
	s, ok := rawString(in.Raw)
	if !ok {
		return nil, false
	}
	return decodeObject([]byte(strings.TrimSpace(s)))
}

// DoubleJSONDecoder parses a JSON string whose content is a JSON object.
type DoubleJSONDecoder struct{}

func (DoubleJSONDecoder) Name() string { return "double_json" }

func (DoubleJSONDecoder) Decode(in Input) (map[string]any, bool) {
	s, ok := rawString(in.Raw)
	if !ok {
		return nil, false
	}
	var inner string
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &inner); err != nil {
		return nil, false
	}
	return decodeObject([]byte(inner))
}

// Base64JSONDecoder decodes base64 text of a JSON object, optionally wrapped
// in quotes.
type Base64JSONDecoder struct{}

func (Base64JSONDecoder) Name() string { return "base64_json" }

func (Base64JSONDecoder) Decode(in Input) (map[string]any, bool) {
	s, ok := rawString(in.Raw)
	if !ok {
		return nil, false
	}
	return decodeBase64JSON(s)
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, true
		}
	}
	return nil, false
}

func decodeBase64JSON(s string) (map[string]any, bool) {
	s = stripQuotes(s)
	if s == "" {
		return nil, false
	}
	data, ok := decodeBase64(s)
	if !ok {
		return nil, false
	}
	return decodeObject(data)
}

// BinaryDecoder handles binary blobs, including the \x-prefixed hex text form
// postgres emits for bytea. The decoded bytes are either UTF-8 base64 JSON or
// a sealed payload opened with Decrypter.
type BinaryDecoder struct {
	Decrypter Decrypter
}

func (BinaryDecoder) Name() string { return "binary" }

func (d BinaryDecoder) Decode(in Input) (map[string]any, bool) {
	for _, blob := range binaryCandidates(in) {
		if utf8.Valid(blob) {
			if value, ok := decodeBase64JSON(string(blob)); ok {
				return value, true
			}
		}
		if d.Decrypter != nil {
			var value map[string]any
			if err := d.Decrypter.Decrypt(blob, &value); err == nil && value != nil {
				return value, true
			}
		}
	}
	return nil, false
}

func binaryCandidates(in Input) [][]byte {
	var candidates [][]byte
	if len(in.RawEncrypted) > 0 {
		if blob, ok := unhex(in.RawEncrypted); ok {
			candidates = append(candidates, blob)
		} else {
			candidates = append(candidates, in.RawEncrypted)
		}
	}
	if s, ok := rawString(in.Raw); ok {
		if blob, ok := unhex([]byte(strings.TrimSpace(s))); ok {
			candidates = append(candidates, blob)
		}
	}
	return candidates
}

func unhex(data []byte) ([]byte, bool) {
	if !bytes.HasPrefix(data, []byte(`\x`)) {
		return nil, false
	}
	blob, err := hex.DecodeString(string(data[2:]))
	if err != nil {
		return nil, false
	}
	return blob, true
}
