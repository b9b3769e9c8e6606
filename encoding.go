package nosql

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeDocument serializes a document into its self-describing record
// payload. Map keys are sorted, so equal documents produce equal bytes.
func EncodeDocument(doc Document) ([]byte, error) {
	doc, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	return encodeNormalized(map[string]any(doc))
}

// encodeNormalized encodes a value that has already been normalized.
func encodeNormalized(v any) ([]byte, error) {
	return encodeSorted(v)
}

func encodeSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("nosql: failed to encode %T using MsgPack: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeDocument parses a record payload. Malformed input yields a
// *DataError carrying the offset the decoder reached.
func DecodeDocument(buf []byte) (Document, error) {
	v, err := decodeValue(buf)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, dataErrf(buf, 0, nil, "record is a %T, not a document", v)
	}
	return Document(m), nil
}

// decodeValue parses any msgpack value and normalizes it.
func decodeValue(buf []byte) (any, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	v, err := dec.DecodeInterface()
	msgpack.PutDecoder(dec)

	off := len(buf) - r.Len()
	if err != nil {
		return nil, dataErrf(buf, off, err, "failed to decode msgpack")
	}
	if r.Len() > 0 {
		return nil, dataErrf(buf, off, nil, "%d trailing bytes", r.Len())
	}
	nv, err := normalizeValue(v)
	if err != nil {
		return nil, dataErrf(buf, off, err, "unsupported value")
	}
	return nv, nil
}

func encodeValue(v any) ([]byte, error) {
	nv, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}
	return encodeNormalized(nv)
}

// valueKey returns a string usable as a map key that is equal for equal
// values.
func valueKey(v any) string {
	b, err := encodeValue(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
}
