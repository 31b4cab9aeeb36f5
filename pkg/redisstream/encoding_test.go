package redisstream

import "testing"

func TestJSONEncoderRoundTrip(t *testing.T) {
	enc := NewJSONEncoder(newWidgetMapper())

	raw, err := enc.Encode("widget", &widget{Name: "gizmo"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := enc.Decode("widget", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.(*widget).Name != "gizmo" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestMsgpackEncoderRoundTrip(t *testing.T) {
	enc := NewMsgpackEncoder(newWidgetMapper())

	raw, err := enc.Encode("widget", &widget{Name: "gizmo"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := enc.Decode("widget", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.(*widget).Name != "gizmo" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestMapTypeMapperUnknownType(t *testing.T) {
	mapper := newWidgetMapper()
	if _, err := mapper.New("unknown"); err == nil {
		t.Fatal("expected error for unknown type name")
	}
}
