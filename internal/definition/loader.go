// Package definition owns workflow templates: it loads them from YAML,
// validates their step sequences and keeps them versioned in a TemplateStore.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pitabwire/assent/model"
	"gopkg.in/yaml.v3"
)

// File is one parsed definitions file.
type File struct {
	Templates  []model.WorkflowTemplate `yaml:"templates"`
	Checksum   string                   `yaml:"-"`
	SourceFile string                   `yaml:"-"`
}

// Loader scans directories for YAML template files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a File. Files are returned in lexical path order.
func (l *Loader) LoadAll(directories []string) ([]File, error) {
	var files []File

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].SourceFile < files[j].SourceFile })
	return files, nil
}

// LoadFile loads and parses a single YAML definitions file. Step orders that
// are omitted are numbered by position.
func (l *Loader) LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i := range f.Templates {
		for j := range f.Templates[i].Steps {
			if f.Templates[i].Steps[j].Order == 0 {
				f.Templates[i].Steps[j].Order = j + 1
			}
		}
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path
	return f, nil
}

// Checksum combines the checksums of files into one order-independent value.
func Checksum(files []File) string {
	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, f.Checksum)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}

// Templates flattens the templates of all files.
func Templates(files []File) []model.WorkflowTemplate {
	var out []model.WorkflowTemplate
	for _, f := range files {
		out = append(out, f.Templates...)
	}
	return out
}
