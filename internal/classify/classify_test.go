package classify

import "testing"

func TestClassifyEmpty(t *testing.T) {
	_, ok := Classify([]byte("   "))
	if ok {
		t.Fatal("expected empty frame to be ignored")
	}
}

func TestClassifyTelemetry(t *testing.T) {
	res, ok := Classify([]byte(`METRIC:{"t":1,"v":42}`))
	if !ok {
		t.Fatal("expected a result")
	}
	if res.Kind != Telemetry {
		t.Fatalf("expected Telemetry, got %v", res.Kind)
	}
	if res.Object["t"].(float64) != 1 {
		t.Fatalf("unexpected object: %v", res.Object)
	}
}

func TestClassifyTelemetryMalformedSuffix(t *testing.T) {
	res, ok := Classify([]byte(`METRIC:not json`))
	if !ok {
		t.Fatal("expected a result")
	}
	if res.Kind != Malformed {
		t.Fatalf("expected Malformed, got %v", res.Kind)
	}
}

func TestClassifyResponse(t *testing.T) {
	res, ok := Classify([]byte(`{"ok":true}`))
	if !ok {
		t.Fatal("expected a result")
	}
	if res.Kind != Response {
		t.Fatalf("expected Response, got %v", res.Kind)
	}
	if res.Object["ok"].(bool) != true {
		t.Fatalf("unexpected object: %v", res.Object)
	}
}

func TestClassifyMalformedNotAnObject(t *testing.T) {
	for _, in := range []string{`[1,2,3]`, `"just a string"`, `42`, `not json at all`} {
		res, ok := Classify([]byte(in))
		if !ok {
			t.Fatalf("input %q: expected a result", in)
		}
		if res.Kind != Malformed {
			t.Fatalf("input %q: expected Malformed, got %v", in, res.Kind)
		}
	}
}

func TestClassifyTrailingGarbage(t *testing.T) {
	res, ok := Classify([]byte(`{"ok":true}garbage`))
	if !ok {
		t.Fatal("expected a result")
	}
	if res.Kind != Malformed {
		t.Fatalf("expected Malformed for trailing garbage, got %v", res.Kind)
	}
}

func TestSafePreviewTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	preview := SafePreview(long, 10)
	if len(preview) <= 10 {
		t.Fatalf("expected preview to include truncation suffix, got len %d", len(preview))
	}
	short := SafePreview([]byte("hi"), 10)
	if short != "hi" {
		t.Fatalf("expected untouched short string, got %q", short)
	}
}
