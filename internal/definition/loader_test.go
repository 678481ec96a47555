package definition

import (
	"testing"

	"github.com/pitabwire/assent/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	f, err := l.LoadFile("testdata/templates/price.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(f.Templates) != 1 {
		t.Fatalf("Templates = %d, want 1", len(f.Templates))
	}
	tmpl := f.Templates[0]
	if tmpl.Code != "PRICE_APPROVAL" {
		t.Errorf("Code = %q, want PRICE_APPROVAL", tmpl.Code)
	}
	if tmpl.AppliesTo != "price_entry" {
		t.Errorf("AppliesTo = %q, want price_entry", tmpl.AppliesTo)
	}
	if len(tmpl.Steps) != 3 {
		t.Fatalf("Steps = %d, want 3", len(tmpl.Steps))
	}
	if tmpl.Steps[1].RequiredRole != "supervisor" {
		t.Errorf("Steps[1].RequiredRole = %q, want supervisor", tmpl.Steps[1].RequiredRole)
	}
	if tmpl.Steps[2].ActionKind != model.ActionApprove {
		t.Errorf("Steps[2].ActionKind = %q, want approve", tmpl.Steps[2].ActionKind)
	}
	if f.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if f.SourceFile != "testdata/templates/price.yaml" {
		t.Errorf("SourceFile = %q", f.SourceFile)
	}
}

func TestLoader_LoadFile_numbers_missing_orders(t *testing.T) {
	l := NewLoader()
	f, err := l.LoadFile("testdata/templates/documents.yml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	for i, s := range f.Templates[0].Steps {
		if s.Order != i+1 {
			t.Errorf("Steps[%d].Order = %d, want %d", i, s.Order, i+1)
		}
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	files, err := l.LoadAll([]string{"testdata/templates"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("LoadAll() = %d files, want 2 (non-YAML ignored)", len(files))
	}
	if files[0].SourceFile > files[1].SourceFile {
		t.Error("LoadAll() should return files in path order")
	}

	templates := Templates(files)
	if len(templates) != 2 {
		t.Errorf("Templates() = %d, want 2", len(templates))
	}
}

func TestLoader_LoadAll_missing_directory(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/does-not-exist"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestChecksum_order_independent(t *testing.T) {
	a := File{Checksum: "aaa"}
	b := File{Checksum: "bbb"}
	if Checksum([]File{a, b}) != Checksum([]File{b, a}) {
		t.Error("Checksum should not depend on file order")
	}
	if Checksum([]File{a}) == Checksum([]File{b}) {
		t.Error("Checksum should differ for different files")
	}
}
