package iomiddle

import (
	"os"
	"sync"
	"testing"

	"github.com/yishikawa/iomiddle/pkg/group"
	"github.com/yishikawa/iomiddle/pkg/group/local"
	"github.com/yishikawa/iomiddle/pkg/hijack"
	"github.com/yishikawa/iomiddle/pkg/ioconfig"
)

// TestFacadeWriteReadRoundtrip exercises the all-ranks-mode path end to
// end: 4 ranks, lanes=1, forwarders=0, no worker, each writes one stripe
// filled with its own rank id through the full facade, then a second
// simulated run reads the file back and every rank recovers its own
// stripe.
func TestFacadeWriteReadRoundtrip(t *testing.T) {
	const n = 4
	const strsize = 16

	dir := t.TempDir()
	path := dir + "/data.bin"
	cfg := ioconfig.Config{CareRoot: dir, Lanes: 1}

	groups := local.New(n)
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	rets := make([]int, n)
	for r := 0; r < n; r++ {
		go func(r int, g group.Group) {
			defer wg.Done()
			m, err := New(cfg, g, hijack.Default(), nil)
			if err != nil {
				errs[r] = err
				return
			}
			fd, err := m.Creat(path, 0o644)
			if err != nil {
				errs[r] = err
				return
			}
			stripe := make([]byte, strsize)
			for i := range stripe {
				stripe[i] = byte(r)
			}
			written, err := m.Write(fd, stripe)
			if err != nil {
				errs[r] = err
				return
			}
			rets[r] = written
			if err := m.Close(fd); err != nil {
				errs[r] = err
				return
			}
		}(r, groups[r])
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d write phase: %v", r, err)
		}
	}
	for r, n := range rets {
		if n != strsize {
			t.Errorf("rank %d write returned %d, want %d", r, n, strsize)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) != n*strsize {
		t.Fatalf("file length = %d, want %d", len(raw), n*strsize)
	}
	for k := 0; k < n; k++ {
		chunk := raw[k*strsize : (k+1)*strsize]
		for _, b := range chunk {
			if b != byte(k) {
				t.Errorf("stripe %d byte = %d, want %d", k, b, k)
			}
		}
	}

	groups2 := local.New(n)
	var wg2 sync.WaitGroup
	wg2.Add(n)
	errs2 := make([]error, n)
	recovered := make([][]byte, n)
	for r := 0; r < n; r++ {
		go func(r int, g group.Group) {
			defer wg2.Done()
			m, err := New(cfg, g, hijack.Default(), nil)
			if err != nil {
				errs2[r] = err
				return
			}
			fd, err := m.Open(path, os.O_RDONLY, 0o644)
			if err != nil {
				errs2[r] = err
				return
			}
			stripe := make([]byte, strsize)
			if _, err := m.Read(fd, stripe); err != nil {
				errs2[r] = err
				return
			}
			recovered[r] = stripe
			if err := m.Close(fd); err != nil {
				errs2[r] = err
				return
			}
		}(r, groups2[r])
	}
	wg2.Wait()
	for r, err := range errs2 {
		if err != nil {
			t.Fatalf("rank %d read phase: %v", r, err)
		}
	}
	for r := 0; r < n; r++ {
		for _, b := range recovered[r] {
			if b != byte(r) {
				t.Errorf("rank %d recovered byte %d, want %d", r, b, r)
			}
		}
	}
}

// TestFacadePassesThroughUnmanagedPath confirms a path outside the care
// root never touches the buffer manager and behaves like a normal file.
func TestFacadePassesThroughUnmanagedPath(t *testing.T) {
	dir := t.TempDir()
	cfg := ioconfig.Config{CareRoot: dir + "/managed", Lanes: 1}
	groups := local.New(1)

	m, err := New(cfg, groups[0], hijack.Default(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := dir + "/plain.txt"
	fd, err := m.Creat(path, 0o644)
	if err != nil {
		t.Fatalf("Creat: %v", err)
	}
	if _, err := m.Write(fd, []byte("passthrough")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != "passthrough" {
		t.Errorf("file contents = %q, want %q", raw, "passthrough")
	}
}
