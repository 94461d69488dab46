// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package plutus converts structured datums to and from the ledger's
// canonical binary form. The encoding must match what the on-chain scripts
// see byte for byte: constructor tag 121 plus the constructor index,
// positional fields in an indefinite-length array, byte strings from hex,
// canonical integers and integer-keyed maps. The codec only feeds
// transaction simulation; it never authorizes spending.
package plutus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"newm.io/batcherd/chain"
)

// constructorTagBase is the CBOR tag of constructor index zero.
const constructorTagBase = 121

const (
	indefArrayStart = 0x9f
	breakByte       = 0xff
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode converts a structured datum to its canonical binary form.
func Encode(pd chain.PlutusData) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, pd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeHex is Encode with a hex-encoded result.
func EncodeHex(pd chain.PlutusData) (string, error) {
	b, err := Encode(pd)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func encode(buf *bytes.Buffer, pd chain.PlutusData) error {
	switch pd.Kind {
	case chain.KindConstr:
		writeTagHead(buf, constructorTagBase+pd.Constructor)
		buf.WriteByte(indefArrayStart)
		for _, field := range pd.Fields {
			if err := encode(buf, field); err != nil {
				return err
			}
		}
		buf.WriteByte(breakByte)
	case chain.KindBytes:
		raw, err := hex.DecodeString(pd.Bytes)
		if err != nil {
			return fmt.Errorf("bad datum bytes %q: %w", pd.Bytes, err)
		}
		enc, err := encMode.Marshal(raw)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case chain.KindInt:
		enc, err := encMode.Marshal(pd.Int)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case chain.KindMap:
		m := make(map[int64]int64, len(pd.Pairs))
		for _, pair := range pd.Pairs {
			if pair.K.Kind != chain.KindInt || pair.V.Kind != chain.KindInt {
				return fmt.Errorf("datum maps must be integer keyed and valued")
			}
			m[pair.K.Int] = pair.V.Int
		}
		enc, err := encMode.Marshal(m)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case chain.KindList:
		buf.WriteByte(indefArrayStart)
		for _, item := range pd.Items {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(breakByte)
	default:
		return fmt.Errorf("unknown datum kind %d", pd.Kind)
	}
	return nil
}

// writeTagHead emits the head bytes of a CBOR tag (major type 6) without any
// content, so the indefinite-array framing can follow.
func writeTagHead(buf *bytes.Buffer, n uint64) {
	const majorTag = 0xc0
	switch {
	case n < 24:
		buf.WriteByte(majorTag | byte(n))
	case n <= 0xff:
		buf.WriteByte(0xd8)
		buf.WriteByte(byte(n))
	default:
		buf.WriteByte(0xd9)
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	}
}

// Tag24 wraps already-encoded datum bytes in CBOR tag 24, the shape inline
// datums take inside a transaction output.
func Tag24(data []byte) ([]byte, error) {
	return encMode.Marshal(cbor.Tag{Number: 24, Content: data})
}

// Decode parses canonical binary plutus data back to the structured form.
// Primarily a round-trip check for the encoder.
func Decode(b []byte) (chain.PlutusData, error) {
	var v any
	if err := decMode.Unmarshal(b, &v); err != nil {
		return chain.PlutusData{}, err
	}
	return fromCBOR(v)
}

func fromCBOR(v any) (chain.PlutusData, error) {
	switch t := v.(type) {
	case cbor.Tag:
		if t.Number < constructorTagBase {
			return chain.PlutusData{}, fmt.Errorf("unexpected cbor tag %d", t.Number)
		}
		items, ok := t.Content.([]any)
		if !ok {
			return chain.PlutusData{}, fmt.Errorf("constructor tag %d content is not an array", t.Number)
		}
		fields := make([]chain.PlutusData, len(items))
		for i, item := range items {
			field, err := fromCBOR(item)
			if err != nil {
				return chain.PlutusData{}, err
			}
			fields[i] = field
		}
		return chain.NewConstr(t.Number-constructorTagBase, fields...), nil
	case []byte:
		return chain.NewBytes(hex.EncodeToString(t)), nil
	case uint64:
		return chain.NewInt(int64(t)), nil
	case int64:
		return chain.NewInt(t), nil
	case map[any]any:
		keys := make([]int64, 0, len(t))
		byKey := make(map[int64]int64, len(t))
		for k, val := range t {
			ki, ok := toInt64(k)
			if !ok {
				return chain.PlutusData{}, fmt.Errorf("non-integer map key %v", k)
			}
			vi, ok := toInt64(val)
			if !ok {
				return chain.PlutusData{}, fmt.Errorf("non-integer map value %v", val)
			}
			keys = append(keys, ki)
			byKey[ki] = vi
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		pairs := make([]chain.PlutusPair, len(keys))
		for i, k := range keys {
			pairs[i] = chain.PlutusPair{K: chain.NewInt(k), V: chain.NewInt(byKey[k])}
		}
		return chain.NewMap(pairs...), nil
	case []any:
		items := make([]chain.PlutusData, len(t))
		for i, item := range t {
			converted, err := fromCBOR(item)
			if err != nil {
				return chain.PlutusData{}, err
			}
			items[i] = converted
		}
		return chain.NewList(items...), nil
	}
	return chain.PlutusData{}, fmt.Errorf("unsupported cbor shape %T", v)
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case uint64:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}
