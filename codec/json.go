package codec

import (
	"bytes"
	"encoding/json"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch"
	canonicaljson "github.com/gibson042/canonicaljson-go"
	"github.com/pkg/errors"
)

// JSON is a Codec that encodes a state as a canonical JSON object
// and represents deltas as JSON merge patches (RFC 7386).
//
// Numbers keep their exact decimal value throughout;
// integers beyond 2^53 are not rounded.
//
// Merge patches cannot express a field whose value is null
// (a null in a patch means "delete"),
// so records should omit such fields rather than set them to null.
type JSON struct{}

var _ Codec = JSON{}

// Encode implements Codec.
func (JSON) Encode(recs Records) ([]byte, error) {
	if recs == nil {
		recs = Records{}
	}
	plain, err := json.Marshal(recs)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling records")
	}
	return canonicalize(plain)
}

// Diff implements Codec.
// The patch is computed here rather than with jsonpatch.CreateMergePatch,
// which compares numbers as float64 and so misses changes to large integers.
func (JSON) Diff(from, to []byte) ([]byte, error) {
	var fromDoc, toDoc map[string]interface{}
	if err := decodeExact(from, &fromDoc); err != nil {
		return nil, errors.Wrap(err, "parsing source state")
	}
	if err := decodeExact(to, &toDoc); err != nil {
		return nil, errors.Wrap(err, "parsing target state")
	}
	patch, err := canonicaljson.Marshal(mergePatch(fromDoc, toDoc))
	return patch, errors.Wrap(err, "encoding merge patch")
}

// Apply implements Codec.
func (JSON) Apply(state, delta []byte) ([]byte, error) {
	patched, err := jsonpatch.MergePatch(state, delta)
	if err != nil {
		return nil, errors.Wrap(err, "applying merge patch")
	}
	return canonicalize(patched)
}

// Decode unpacks snapshot bytes produced by Encode.
// Numbers are returned as json.Number.
func (JSON) Decode(state []byte) (Records, error) {
	var recs Records
	err := decodeExact(state, &recs)
	return recs, errors.Wrap(err, "unmarshaling state")
}

// mergePatch produces the RFC 7386 patch turning from into to.
func mergePatch(from, to map[string]interface{}) map[string]interface{} {
	patch := make(map[string]interface{})
	for k, tv := range to {
		fv, ok := from[k]
		if !ok {
			patch[k] = tv
			continue
		}
		fm, fok := fv.(map[string]interface{})
		tm, tok := tv.(map[string]interface{})
		if fok && tok {
			if sub := mergePatch(fm, tm); len(sub) > 0 {
				patch[k] = sub
			}
			continue
		}
		// Both sides are canonical, so equal numbers have equal json.Number text.
		if !reflect.DeepEqual(fv, tv) {
			patch[k] = tv
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			patch[k] = nil
		}
	}
	return patch
}

func decodeExact(doc []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	return dec.Decode(v)
}

// canonicalize re-encodes a JSON document in canonical form,
// so that equal states have equal bytes
// no matter which path produced them.
func canonicalize(doc []byte) ([]byte, error) {
	var v interface{}
	if err := decodeExact(doc, &v); err != nil {
		return nil, errors.Wrap(err, "parsing JSON")
	}
	out, err := canonicaljson.Marshal(v)
	return out, errors.Wrap(err, "encoding canonical JSON")
}
