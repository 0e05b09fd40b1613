package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Field is an ordered map with case-insensitive keys. Keys are stored
// lowercased; iteration follows insertion order.
type Field struct {
	keys   []string
	values map[string]string
}

func NewField() *Field {
	return &Field{values: map[string]string{}}
}

// Add inserts key or, when it already exists, appends value to it.
func (f *Field) Add(key, value string) {
	key = strings.ToLower(key)
	if f.values == nil {
		f.values = map[string]string{}
	}
	if prev, ok := f.values[key]; ok {
		f.values[key] = prev + " " + value
		return
	}
	f.keys = append(f.keys, key)
	f.values[key] = value
}

func (f *Field) Set(key, value string) {
	key = strings.ToLower(key)
	if f.values == nil {
		f.values = map[string]string{}
	}
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

func (f *Field) Get(key string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.values[strings.ToLower(key)]
	return v, ok
}

func (f *Field) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

func (f *Field) Keys() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.keys...)
}

// Range calls fn for every entry in insertion order until fn returns false.
func (f *Field) Range(fn func(key, value string) bool) {
	if f == nil {
		return
	}
	for _, k := range f.keys {
		if !fn(k, f.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy.
func (f *Field) Clone() *Field {
	out := NewField()
	f.Range(func(k, v string) bool {
		out.Set(k, v)
		return true
	})
	return out
}

func (f *Field) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	var err error
	f.Range(func(k, v string) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		var kb, vb []byte
		if kb, err = json.Marshal(k); err != nil {
			return false
		}
		if vb, err = json.Marshal(v); err != nil {
			return false
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return true
	})
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *Field) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("field: expected JSON object")
	}
	f.keys = nil
	f.values = map[string]string{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return err
		}
		f.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
