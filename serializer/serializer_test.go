package serializer

import (
	"bytes"
	"io"
	"testing"
)

type samplePayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONSerializeDeserializeRoundTrip(t *testing.T) {
	in := samplePayload{Name: "widget", Count: 3}

	data, err := JSON.Serialize(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out samplePayload
	if err := JSON.Deserialize(data, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestJSONWriteToReadFromRoundTrip(t *testing.T) {
	in := samplePayload{Name: "gadget", Count: 9}

	var buf bytes.Buffer
	if err := JSON.WriteTo(&buf, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out samplePayload
	if err := JSON.ReadFrom(&buf, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestJSONName(t *testing.T) {
	if JSON.Name() != "json" {
		t.Errorf("expected name %q, got %q", "json", JSON.Name())
	}
}

func TestNewRegistryHasJSONAsDefault(t *testing.T) {
	r := NewRegistry()

	s, ok := r.Get("json")
	if !ok {
		t.Fatal("expected json codec to be registered")
	}
	if s != JSON {
		t.Error("expected registered json codec to be the package JSON instance")
	}
	if r.Default() != JSON {
		t.Error("expected default codec to be json")
	}
}

func TestRegistryGetUnknownName(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("protobuf"); ok {
		t.Error("expected unregistered codec lookup to fail")
	}
}

type fakeSerializer struct{ name string }

func (f fakeSerializer) Name() string                           { return f.name }
func (f fakeSerializer) Serialize(v any) ([]byte, error)        { return []byte("fake"), nil }
func (f fakeSerializer) Deserialize(data []byte, out any) error { return nil }
func (f fakeSerializer) WriteTo(w io.Writer, v any) error       { _, err := w.Write([]byte("fake")); return err }
func (f fakeSerializer) ReadFrom(r io.Reader, out any) error    { return nil }

func TestRegistryRegisterAdditionalCodecCoexistsWithJSON(t *testing.T) {
	r := NewRegistry()
	r.Register(fakeSerializer{name: "fake"})

	if _, ok := r.Get("json"); !ok {
		t.Error("expected json codec to remain registered")
	}
	s, ok := r.Get("fake")
	if !ok {
		t.Fatal("expected fake codec to be registered")
	}
	if r.Default().Name() != "json" {
		t.Errorf("expected registering a new codec to leave default unchanged, got %s", r.Default().Name())
	}

	r.SetDefault("fake")
	if r.Default() != s {
		t.Error("expected default to switch to the fake codec")
	}
}

func TestRegistrySetDefaultPanicsOnUnregistered(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when setting default to unregistered codec")
		}
	}()
	r := NewRegistry()
	r.SetDefault("does-not-exist")
}
