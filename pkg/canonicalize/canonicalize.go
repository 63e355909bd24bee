// Package canonicalize produces the deterministic JSON byte sequence that
// every hash preimage in the protocol (manifest_hash, ir_hash, policy_hash,
// audit self_hash, bundle file hashes) is computed over. Two independent
// codepaths are kept on purpose: JCS, RFC 8785's canonical form, and a
// recursive marshaller that preserves json.Number exactly. Their outputs
// are not compared against each other in tests and can differ in number
// rendering; JCS is authoritative for production hashing
// because it is the form external verifiers can reproduce from the spec
// text alone without depending on this module's internals.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/capengine/cap/pkg/crypto"
)

// JSON marshals v to plain JSON and then transforms it into RFC 8785
// canonical form: object keys sorted by UTF-16 code unit, no insignificant
// whitespace, and numbers rendered per the ECMAScript Number-to-String
// algorithm.
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// JSONRecursive re-implements canonical JSON by hand: marshal, re-decode
// with UseNumber so integers and big decimals survive untouched, then
// re-marshal with map keys sorted and HTML escaping disabled. It exists as
// a fallback for values (policy IR numeric fields, in particular) where
// JCS's ECMAScript number rendering would lose precision that the protocol
// needs to preserve byte-for-byte.
func JSONRecursive(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: redecode: %w", err)
	}

	var buf bytes.Buffer
	if err := marshalRecursive(&buf, generic); err != nil {
		return nil, fmt.Errorf("canonicalize: recursive marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func marshalRecursive(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := marshalRecursive(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalRecursive(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return encodeScalar(buf, val)
	}
}

func encodeScalar(buf *bytes.Buffer, v interface{}) error {
	var enc bytes.Buffer
	encoder := json.NewEncoder(&enc)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(enc.Bytes(), "\n"))
	return nil
}

// Hash returns the SHA3-256 digest of the canonical JSON encoding of v.
func Hash(v interface{}) ([32]byte, error) {
	raw, err := JSON(v)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.SHA3256(raw), nil
}

// HashRecursive is Hash but using JSONRecursive for the preimage.
func HashRecursive(v interface{}) ([32]byte, error) {
	raw, err := JSONRecursive(v)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.SHA3256(raw), nil
}

// UnmarshalJSON decodes canonical (or any valid) JSON bytes into v.
// Canonical JSON is ordinary JSON with a fixed key order and no
// whitespace, so the standard decoder reads it without modification.
func UnmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// String renders v's canonical JSON as a string, for logging and fixtures.
func String(v interface{}) (string, error) {
	raw, err := JSON(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
