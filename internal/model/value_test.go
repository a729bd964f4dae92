package model

import (
	"encoding/json"
	"testing"
)

func TestArgValueRoundTrip(t *testing.T) {
	in := map[string]ArgValue{
		"label": StringArg("nuit"),
		"seuil": NumberArg(42.5),
		"actif": BoolArg(true),
		"ttl":   {},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]ArgValue
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["label"].Kind != ArgString || out["label"].Str != "nuit" {
		t.Fatalf("string arg lost: %+v", out["label"])
	}
	if out["seuil"].Kind != ArgNumber || out["seuil"].Num != 42.5 {
		t.Fatalf("number arg lost: %+v", out["seuil"])
	}
	if out["actif"].Kind != ArgBool || !out["actif"].Bool {
		t.Fatalf("bool arg lost: %+v", out["actif"])
	}
	if out["ttl"].Kind != ArgNull {
		t.Fatalf("null arg lost: %+v", out["ttl"])
	}
}

func TestArgValueRejectsNested(t *testing.T) {
	var v ArgValue
	if err := json.Unmarshal([]byte(`{"nested":1}`), &v); err == nil {
		t.Fatalf("object value must be rejected")
	}
	if err := json.Unmarshal([]byte(`[1,2]`), &v); err == nil {
		t.Fatalf("array value must be rejected")
	}
}

func TestTruncateHour(t *testing.T) {
	// 2025-06-01 13:47:12 UTC floors to 13:00:00.
	if got := TruncateHour(1748785632); got != 1748782800 {
		t.Fatalf("got %d", got)
	}
	if got := TruncateHour(1748782800); got != 1748782800 {
		t.Fatalf("boundary must be stable, got %d", got)
	}
}
