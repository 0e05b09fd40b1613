package request

import (
	"encoding/json"
	"testing"
)

func TestFieldCaseInsensitiveOrdered(t *testing.T) {
	f := NewField()
	f.Add("User-Agent", "curl")
	f.Add("Accept", "*/*")
	f.Add("user-agent", "again")

	if v, ok := f.Get("USER-AGENT"); !ok || v != "curl again" {
		t.Fatalf("unexpected user-agent %q (%v)", v, ok)
	}
	keys := f.Keys()
	if len(keys) != 2 || keys[0] != "user-agent" || keys[1] != "accept" {
		t.Fatalf("unexpected key order %v", keys)
	}
}

func TestFieldJSONKeepsOrder(t *testing.T) {
	f := NewField()
	f.Set("b", "2")
	f.Set("a", "1")

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"b":"2","a":"1"}` {
		t.Fatalf("unexpected json %s", data)
	}

	var back Field
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Keys()[0] != "b" {
		t.Fatalf("order lost: %v", back.Keys())
	}
}

func TestFieldCloneIsIndependent(t *testing.T) {
	f := NewField()
	f.Set("rbzid", "a-b")
	c := f.Clone()
	c.Set("rbzid", "a=b")
	if v, _ := f.Get("rbzid"); v != "a-b" {
		t.Fatalf("clone modified source: %q", v)
	}
}
