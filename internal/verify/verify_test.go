package verify

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func TestEvaluateAcceptedCombinations(t *testing.T) {
	e := NewEngine(DefaultConfig())

	cases := []struct {
		name        string
		local       []string
		canonicalAT []string
		canonicalET []string
		accepted    bool
	}{
		{
			name:        "both sides declared and matched",
			local:       []string{"/dl/D-1/pgm.pat", "/dl/D-1/setup.tsf"},
			canonicalAT: []string{"pgm.pat"},
			canonicalET: []string{"setup.tsf"},
			accepted:    true,
		},
		{
			name:        "at only",
			local:       []string{"/dl/D-1/pgm.pat"},
			canonicalAT: []string{"pgm.pat"},
			accepted:    true,
		},
		{
			name:        "et only",
			local:       []string{"/dl/D-1/setup.tsf"},
			canonicalET: []string{"setup.tsf"},
			accepted:    true,
		},
		{
			name:        "declared path missing locally",
			local:       []string{"/dl/D-1/pgm.pat"},
			canonicalAT: []string{"pgm.pat", "extra.pat"},
			accepted:    false,
		},
		{
			name:     "local files with nothing declared anywhere",
			local:    []string{"/dl/D-1/pgm.pat"},
			accepted: false,
		},
		{
			name:        "declared but nothing downloaded",
			canonicalAT: []string{"pgm.pat"},
			accepted:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := e.Evaluate(tc.local, tc.canonicalAT, tc.canonicalET)
			if r.Accepted != tc.accepted {
				t.Fatalf("accepted=%v want %v (code %s)", r.Accepted, tc.accepted, r.Code)
			}
		})
	}
}

func TestEvaluateNoData(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.Evaluate(nil, nil, nil)
	if r.Accepted {
		t.Fatalf("empty draft must be rejected")
	}
	if r.Reason != ReasonNoData {
		t.Fatalf("expected no-data reason, got %q", r.Reason)
	}
}

func TestSupersetRule(t *testing.T) {
	e := NewEngine(DefaultConfig())
	// Extra local files beyond the canonical set never hurt.
	r := e.Evaluate(
		[]string{"/dl/D-1/a.pat", "/dl/D-1/b.pat", "/dl/D-1/c.pat"},
		[]string{"a.pat"},
		nil,
	)
	if !r.Accepted {
		t.Fatalf("superset should match: %s", r.Description)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		`C:\PGM\A.PAT`: "c:/pgm/a.pat",
		"./rel/x.bin":  "rel/x.bin",
		"plain.tsf":    "plain.tsf",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q)=%q want %q", in, got, want)
		}
	}
}

func TestClassifySuffixMatch(t *testing.T) {
	// Vendor declares Windows-style paths; local files carry the download root.
	got := classify(
		[]string{"/downloads/D-7/pgm/main.pat"},
		[]string{`PGM\MAIN.PAT`},
	)
	if got != StateMatched {
		t.Fatalf("expected matched, got %v", got)
	}

	got = classify([]string{"/downloads/D-7/other.pat"}, []string{`PGM\MAIN.PAT`})
	if got != StateMismatched {
		t.Fatalf("expected mismatched, got %v", got)
	}
}

func TestCodeStrings(t *testing.T) {
	c := Code{AT: StateMatched, ET: StateAbsent, HessAT: true}
	if c.String() != "AT:matched/ET:absent/HESS-AT:present/HESS-ET:absent" {
		t.Fatalf("unexpected code string %q", c.String())
	}
}

func writeZip(t *testing.T, path string, names map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
}

func TestValidateArchive(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.zip")
	writeZip(t, good, map[string]string{"main.pat": "x", "notes.txt": "y"})
	entries, err := ValidateArchive(good, []string{".pat"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(entries) != 1 || entries[0] != "main.pat" {
		t.Fatalf("unexpected entries %v", entries)
	}

	onlyJunk := filepath.Join(dir, "junk.zip")
	writeZip(t, onlyJunk, map[string]string{"readme.md": "z"})
	if _, err := ValidateArchive(onlyJunk, []string{".pat"}); err == nil {
		t.Fatalf("expected error for archive without program files")
	}

	corrupt := filepath.Join(dir, "corrupt.zip")
	if err := os.WriteFile(corrupt, []byte("not a zip"), 0o600); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}
	if _, err := ValidateArchive(corrupt, nil); err == nil {
		t.Fatalf("expected error for corrupt archive")
	}
}

func TestRejectArchive(t *testing.T) {
	e := NewEngine(DefaultConfig())
	r := e.RejectArchive(os.ErrNotExist)
	if r.Accepted {
		t.Fatalf("archive rejection must not be accepted")
	}
	if r.Reason != ReasonArchive {
		t.Fatalf("unexpected reason %q", r.Reason)
	}
}
