package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload, err := Encode(map[string]interface{}{
		"cmd":       "vlob_create",
		"realm_id":  "some-realm",
		"version":   uint64(1),
		"blob":      []byte{0x01, 0x02, 0x03},
		"timestamp": uint64(1700000000),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	cmd, ok := frame.Command()
	if !ok || cmd != "vlob_create" {
		t.Fatalf("Command() = %q, %v", cmd, ok)
	}
	realmID, ok := frame.String("realm_id")
	if !ok || realmID != "some-realm" {
		t.Fatalf("String(realm_id) = %q, %v", realmID, ok)
	}
	version, ok := frame.Uint64("version")
	if !ok || version != 1 {
		t.Fatalf("Uint64(version) = %d, %v", version, ok)
	}
	blob, ok := frame.Bytes("blob")
	if !ok || len(blob) != 3 {
		t.Fatalf("Bytes(blob) = %v, %v", blob, ok)
	}
}

func TestDecodeStatusFrame(t *testing.T) {
	payload, err := Encode(map[string]interface{}{
		"status": "ok",
		"vlobs": map[string]interface{}{
			"vlob-a": uint64(3),
			"vlob-b": uint64(7),
		},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	status, ok := frame.Status()
	if !ok || status != "ok" {
		t.Fatalf("Status() = %q, %v", status, ok)
	}
	vlobs, ok := frame.Map("vlobs")
	if !ok {
		t.Fatalf("Map(vlobs) missing")
	}
	if len(vlobs) != 2 {
		t.Fatalf("len(vlobs) = %d, want 2", len(vlobs))
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("expected error decoding malformed payload")
	}
}

func TestFrameMissingFieldReturnsFalse(t *testing.T) {
	frame := Frame{Fields: map[string]interface{}{}}
	if _, ok := frame.String("missing"); ok {
		t.Fatalf("expected ok=false for missing string field")
	}
	if _, ok := frame.Bytes("missing"); ok {
		t.Fatalf("expected ok=false for missing bytes field")
	}
	if _, ok := frame.Uint64("missing"); ok {
		t.Fatalf("expected ok=false for missing uint64 field")
	}
	if _, ok := frame.Map("missing"); ok {
		t.Fatalf("expected ok=false for missing map field")
	}
}
