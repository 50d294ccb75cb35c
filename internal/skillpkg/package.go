// Package skillpkg reads and validates uploaded skill archives.
//
// An archive is a tar (optionally gzip-compressed) holding manifest.json,
// sentences.ini, and either a Dockerfile or a manifest image reference.
// Validation is pure: nothing here touches the network, the engine or the
// registry.
package skillpkg

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/pkg/skill"
)

// Well-known archive members.
const (
	ManifestFile   = "manifest.json"
	DockerfileFile = "Dockerfile"
	SentencesFile  = "sentences.ini"
	ConfigFile     = "config.json"
)

// Package is a validated skill archive held in memory.
type Package struct {
	Manifest skill.Manifest

	files map[string]entry
	dirs  []string
}

// Open reads an archive and runs every validation step in order. Rejections
// are *apierr.Error values: invalid_archive, manifest_not_present,
// invalid_manifest, image_not_present and sentences_not_present.
func Open(r io.Reader) (*Package, error) {
	files, dirs, err := readArchive(r, MaxFileSize)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidArchive, err, "invalid archive: %v", err)
	}

	raw, ok := files[ManifestFile]
	if !ok {
		return nil, apierr.New(apierr.CodeManifestNotPresent, "%s not present in archive", ManifestFile)
	}

	manifest, fieldErrs := parseManifest(raw.content)
	if len(fieldErrs) > 0 {
		return nil, apierr.WithDetail(apierr.CodeInvalidManifest, fieldErrs)
	}

	pkg := &Package{Manifest: *manifest, files: files, dirs: dirs}

	if !manifest.HasImage() && !pkg.HasDockerfile() {
		return nil, apierr.New(apierr.CodeImageNotPresent, "manifest has no image and archive has no %s", DockerfileFile)
	}
	if !pkg.Has(SentencesFile) {
		return nil, apierr.New(apierr.CodeSentencesNotPresent, "%s not present in archive", SentencesFile)
	}

	return pkg, nil
}

// Has reports whether the archive contains a regular file with the given name.
func (p *Package) Has(name string) bool {
	cleaned, err := normalizePath(name)
	if err != nil {
		return false
	}
	_, ok := p.files[cleaned]
	return ok
}

// File returns the content of an archive member.
func (p *Package) File(name string) ([]byte, bool) {
	cleaned, err := normalizePath(name)
	if err != nil {
		return nil, false
	}
	e, ok := p.files[cleaned]
	if !ok {
		return nil, false
	}
	return e.content, true
}

// HasDockerfile reports whether the archive carries its own build context.
func (p *Package) HasDockerfile() bool {
	return p.Has(DockerfileFile)
}

// Sentences returns the sentences.ini content.
func (p *Package) Sentences() string {
	content, _ := p.File(SentencesFile)
	return string(content)
}

// Names lists the archive's regular files in lexical order.
func (p *Package) Names() []string {
	names := make([]string, 0, len(p.files))
	for name := range p.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExtractTo writes every file and directory of the archive below dir.
func (p *Package) ExtractTo(dir string) error {
	for _, d := range p.dirs {
		if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(d)), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	for _, name := range p.Names() {
		e := p.files[name]
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}

		mode := fs.FileMode(e.mode).Perm()
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(target, e.content, mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
