package models

import (
	"bytes"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Ordered is a string-keyed map that remembers insertion order. Settings
// files are JSON objects keyed by id, and the order in which ids appear is
// the registry's stable iteration order. A nil *Ordered reads as empty.
type Ordered[V any] struct {
	m *orderedmap.OrderedMap[string, V]
}

// NewOrdered returns an empty ordered map.
func NewOrdered[V any]() *Ordered[V] {
	return &Ordered[V]{m: orderedmap.New[string, V]()}
}

// Set inserts or replaces a value. Replacing keeps the original position.
func (o *Ordered[V]) Set(key string, v V) {
	if o.m == nil {
		o.m = orderedmap.New[string, V]()
	}
	o.m.Set(key, v)
}

// Get returns the value stored under key.
func (o *Ordered[V]) Get(key string) (V, bool) {
	if o == nil || o.m == nil {
		var zero V
		return zero, false
	}
	return o.m.Get(key)
}

// Has reports whether key is present.
func (o *Ordered[V]) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Keys returns the keys in insertion order.
func (o *Ordered[V]) Keys() []string {
	keys := make([]string, 0, o.Len())
	o.Each(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Len returns the number of entries.
func (o *Ordered[V]) Len() int {
	if o == nil || o.m == nil {
		return 0
	}
	return o.m.Len()
}

// Each calls fn for every entry in order until fn returns false.
func (o *Ordered[V]) Each(fn func(key string, v V) bool) {
	if o == nil || o.m == nil {
		return
	}
	for pair := o.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// UnmarshalJSON decodes a JSON object keeping the key order of the document.
func (o *Ordered[V]) UnmarshalJSON(data []byte) error {
	o.m = orderedmap.New[string, V]()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return o.m.UnmarshalJSON(data)
}

// MarshalJSON encodes the map as a JSON object in insertion order.
func (o *Ordered[V]) MarshalJSON() ([]byte, error) {
	if o.m == nil {
		return []byte("{}"), nil
	}
	return o.m.MarshalJSON()
}
