package hijack

import (
	"os"
	"testing"
)

func TestInitRejectsIncompleteTable(t *testing.T) {
	defer Reset()
	err := Init(RealOps{Creat: Default().Creat})
	if err == nil {
		t.Fatal("expected Init to reject a table missing fields")
	}
}

func TestInitOnceThenRefuses(t *testing.T) {
	defer Reset()
	if err := Init(Default()); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := Init(Default()); err == nil {
		t.Fatal("expected second Init to fail")
	}
}

func TestRealDefaultsWithoutInit(t *testing.T) {
	defer Reset()
	ops := Real()
	dir := t.TempDir()
	path := dir + "/probe"
	f, err := ops.Creat(path, 0o644)
	if err != nil {
		t.Fatalf("Creat: %v", err)
	}
	defer f.Close()

	n, err := ops.Write(f, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if _, err := ops.Lseek(f, 0, os.SEEK_SET); err != nil {
		t.Fatalf("Lseek: %v", err)
	}
	buf := make([]byte, 5)
	n, err = ops.Read(f, buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read: n=%d err=%v buf=%q", n, err, buf)
	}
	if err := ops.Close(f); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
