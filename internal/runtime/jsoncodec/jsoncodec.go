package jsoncodec

import (
	"errors"
	"io"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// objectConfig keeps numbers as json.Number so correlation fields and
	// large integers survive a decode into a generic map.
	objectConfig = sonic.Config{
		EscapeHTML:       true,
		SortMapKeys:      true,
		CompactMarshaler: true,
		CopyString:       true,
		ValidateString:   true,
		UseNumber:        true,
	}.Froze()
)

var (
	ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")
	ErrNotObject   = errors.New("payload is not a JSON object")
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalObject decodes data into a generic JSON object.
func UnmarshalObject(data []byte) (map[string]any, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	var fields map[string]any
	if err := objectConfig.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	return fields, nil
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
