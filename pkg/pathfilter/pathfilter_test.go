package pathfilter

import "testing"

func TestIsManaged(t *testing.T) {
	cases := []struct {
		root, path string
		managed    bool
	}{
		{"/data/out", "/data/out/tdata-0", true},
		{"/data/out", "/data/outlier/tdata-0", true}, // byte prefix, not path-segment aware
		{"/data/out", "/data/in/tdata-0", false},
		{"", "/data/out/tdata-0", false},
		{"/data/out", "", false},
	}
	for _, c := range cases {
		f := New(c.root)
		if got := f.IsManaged(c.path); got != c.managed {
			t.Errorf("IsManaged(root=%q, path=%q) = %v, want %v", c.root, c.path, got, c.managed)
		}
	}
}
