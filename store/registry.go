// Package store holds the registry of object-store and pointer-store implementations.
// Implementations register themselves in init functions;
// callers create them by type name from a configuration map.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/bobg/verso"
)

type (
	ObjectFactory  func(context.Context, map[string]interface{}) (verso.ObjectStore, error)
	PointerFactory func(context.Context, map[string]interface{}) (verso.PointerStore, error)
)

var (
	objectRegistry  = make(map[string]ObjectFactory)
	pointerRegistry = make(map[string]PointerFactory)
)

func RegisterObjects(key string, f ObjectFactory) {
	objectRegistry[key] = f
}

func RegisterPointers(key string, f PointerFactory) {
	pointerRegistry[key] = f
}

// CreateObjects creates an object store of the type named by conf["type"].
func CreateObjects(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
	key, ok := conf["type"].(string)
	if !ok {
		return nil, fmt.Errorf(`object store config missing "type"`)
	}
	f, ok := objectRegistry[key]
	if !ok {
		return nil, fmt.Errorf("object store type %s not found in registry", key)
	}
	return f(ctx, conf)
}

// CreatePointers creates a pointer store of the type named by conf["type"].
func CreatePointers(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
	key, ok := conf["type"].(string)
	if !ok {
		return nil, fmt.Errorf(`pointer store config missing "type"`)
	}
	f, ok := pointerRegistry[key]
	if !ok {
		return nil, fmt.Errorf("pointer store type %s not found in registry", key)
	}
	return f(ctx, conf)
}

// ObjectTypes lists the registered object store types.
func ObjectTypes() []string {
	return sortedKeys(objectRegistry)
}

// PointerTypes lists the registered pointer store types.
func PointerTypes() []string {
	return sortedKeys(pointerRegistry)
}

func sortedKeys[T any](m map[string]T) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Nested extracts the nested store configuration used by wrapping stores
// (such as logging and lru).
func Nested(conf map[string]interface{}) (map[string]interface{}, error) {
	nested, ok := conf["nested"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf(`missing "nested" parameter`)
	}
	return nested, nil
}

// Int reads an integer parameter from conf.
// Config decoders variously produce int, int64, float64, and json.Number values.
func Int(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
