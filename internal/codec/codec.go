// Package codec encodes aggregate state for snapshots.
package codec

import "encoding/json"

type Codec interface {
	// Name is recorded with every snapshot so a reader can tell how the
	// state bytes were produced.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// For returns the codec registered under name, or nil.
func For(name string) Codec {
	switch name {
	case "json", "":
		return JSONCodec{}
	}
	return nil
}
