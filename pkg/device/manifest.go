package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoaderPathPrefix marks an install name relative to the loading library's directory.
const LoaderPathPrefix = "@loader_path/"

// Manifest is the serialized form of a dynamic library.
type Manifest struct {
	InstallName  string            `yaml:"install_name"`
	Device       string            `yaml:"device"`
	Symbols      []string          `yaml:"symbols"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Macros       map[string]uint64 `yaml:"macros,omitempty"`
	Digest       string            `yaml:"digest,omitempty"`
}

// ManifestOf describes lib.
func ManifestOf(lib DynamicLibrary) Manifest {
	m := Manifest{
		InstallName: lib.InstallName(),
		Device:      lib.Device().Name(),
		Symbols:     lib.Symbols(),
	}
	if img, ok := lib.(*Image); ok {
		m.Dependencies = img.Dependencies()
		m.Macros = img.macros
		m.Digest = img.Digest()
	}
	return m
}

// FileName is the file a library with this install name is stored under.
func FileName(installName string) string {
	return filepath.Base(strings.TrimPrefix(installName, LoaderPathPrefix))
}

// WriteManifest encodes m to w.
func WriteManifest(w io.Writer, m Manifest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}

// InstallManifest writes lib's manifest into dir and returns its path.
func InstallManifest(dir string, lib DynamicLibrary) (string, error) {
	if lib.InstallName() == "" {
		return "", errors.New("device: library has no install name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(lib.InstallName()))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := WriteManifest(f, ManifestOf(lib)); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write manifest %s: %w", path, err)
	}
	return path, f.Close()
}

// ReadManifest loads a manifest written by InstallManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}
