package skillpkg

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// MaxFileSize is the largest single file accepted from an archive (100MB).
const MaxFileSize = 100 * 1024 * 1024

var gzipMagic = []byte{0x1f, 0x8b}

type entry struct {
	content []byte
	mode    int64
}

// readArchive loads every regular file of a tar (optionally gzip-compressed)
// stream into memory. Links, devices and paths escaping the archive root are
// rejected.
func readArchive(r io.Reader, maxFileSize int64) (map[string]entry, []string, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("reading archive: %w", err)
	}
	if len(head) == 0 {
		return nil, nil, errors.New("archive is empty")
	}

	var src io.Reader = br
	if len(head) == len(gzipMagic) && head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() { _ = gr.Close() }()
		src = gr
	}

	tr := tar.NewReader(src)
	files := map[string]entry{}
	var dirs []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading tar header: %w", err)
		}

		name, err := normalizePath(hdr.Name)
		if err != nil {
			return nil, nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if name != "." {
				dirs = append(dirs, name)
			}
			continue
		case tar.TypeXGlobalHeader:
			continue
		case tar.TypeSymlink, tar.TypeLink:
			return nil, nil, fmt.Errorf("archive contains disallowed link type: %s", hdr.Name)
		case tar.TypeReg:
		default:
			return nil, nil, fmt.Errorf("archive contains disallowed entry type %d: %s", hdr.Typeflag, hdr.Name)
		}

		if name == "." {
			return nil, nil, fmt.Errorf("archive contains a file without a name")
		}
		if hdr.Size > maxFileSize {
			return nil, nil, fmt.Errorf("file %s exceeds maximum size of %d bytes", hdr.Name, maxFileSize)
		}

		content, err := io.ReadAll(io.LimitReader(tr, maxFileSize+1))
		if err != nil {
			return nil, nil, fmt.Errorf("reading tar content for %s: %w", hdr.Name, err)
		}
		if int64(len(content)) > maxFileSize {
			return nil, nil, fmt.Errorf("file %s exceeds maximum size of %d bytes", hdr.Name, maxFileSize)
		}

		files[name] = entry{content: content, mode: hdr.Mode}
	}

	return files, dirs, nil
}

// normalizePath cleans an entry name so that "./manifest.json" and
// "manifest.json" refer to the same file.
func normalizePath(p string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if path.IsAbs(cleaned) {
		return "", fmt.Errorf("absolute path not allowed in archive: %s", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal detected in archive: %s", p)
	}
	return cleaned, nil
}
