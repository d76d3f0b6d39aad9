package kernelfeat

import "testing"

func TestDetectCachesResult(t *testing.T) {
	Reset()
	f1, err := Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	f2, err := Detect()
	if err != nil {
		t.Fatalf("Detect (cached): %v", err)
	}
	if f1 != f2 {
		t.Errorf("second Detect() returned different value: %+v vs %+v", f1, f2)
	}
}

func TestDetectReturnsAVersion(t *testing.T) {
	Reset()
	f, err := Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if f.Version.Kernel == 0 {
		t.Errorf("expected a non-zero kernel major version, got %+v", f.Version)
	}
}
