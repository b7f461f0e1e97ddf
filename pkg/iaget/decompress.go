// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package iaget

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// suffixOrder lists recognised filename suffixes with every tar
// variant ahead of the single-stream ones, so multi-part suffixes like
// "tar.gz" match before the shorter "gz".
var suffixOrder = []string{"tar.gz", "tgz", "tar.bz2", "tbz2", "tar.xz", "txz", "tar", "gz", "bz2", "xz", "zip"}

// suffixToTag maps a filename suffix to its canonical compression tag.
var suffixToTag = map[string]string{
	"tar.gz":  "tar.gz",
	"tgz":     "tar.gz",
	"tar.bz2": "tar.bz2",
	"tbz2":    "tar.bz2",
	"tar.xz":  "tar.xz",
	"txz":     "tar.xz",
	"tar":     "tar",
	"gz":      "gzip",
	"bz2":     "bzip2",
	"xz":      "xz",
	"zip":     "zip",
}

// formatAliases maps an archive-reported format string to its
// canonical compression tag. Internet Archive format tags for
// compressed files are typically already close to these names.
var formatAliases = map[string]string{
	"gzip":    "gzip",
	"gzip-ed": "gzip",
	"bzip2":   "bzip2",
	"xz":      "xz",
	"zip":     "zip",
	"tar":     "tar",
	"tar.gz":  "tar.gz",
	"tar.bz2": "tar.bz2",
	"tar.xz":  "tar.xz",
	"7z":      "", // not in the supported tag set; left unmapped
}

// CompressionTag resolves the canonical compression-format tag for a
// file, per the Glossary: the declared format wins when it names a
// compression scheme; otherwise the filename suffix is used. Returns
// ok=false when neither source identifies a supported format.
func CompressionTag(declaredFormat, name string) (string, bool) {
	if declaredFormat != "" {
		if tag, ok := formatAliases[strings.ToLower(strings.TrimSpace(declaredFormat))]; ok && tag != "" {
			return tag, true
		}
	}
	lower := strings.ToLower(name)
	for _, suffix := range suffixOrder {
		if strings.HasSuffix(lower, "."+suffix) {
			return suffixToTag[suffix], true
		}
	}
	return "", false
}

// decompressor extracts src into dest and returns the list of paths it
// produced.
type decompressor func(src, destDir string) ([]string, error)

var decompressors = map[string]decompressor{
	"gzip":    decompressGzipFile,
	"bzip2":   decompressBzip2File,
	"xz":      decompressXZFile,
	"zip":     decompressZipArchive,
	"tar":     decompressTarArchive,
	"tar.gz":  decompressTarGzArchive,
	"tar.bz2": decompressTarBz2Archive,
	"tar.xz":  decompressTarXzArchive,
}

// Decompress extracts src (whose compression tag is already known) to
// a sibling location derived from src's name.
// Single-file formats (gzip/bzip2/xz) produce one sibling file;
// archive formats (zip/tar and its compressed variants) produce a
// sibling directory containing the extracted tree. It returns the
// paths written.
func Decompress(tag, src string) ([]string, error) {
	fn, ok := decompressors[tag]
	if !ok {
		return nil, fmt.Errorf("ia-get: unsupported compression tag %q", tag)
	}
	return fn(src, siblingDestination(tag, src))
}

// siblingDestination derives the sibling output path for a given tag:
// a stripped-suffix file for single-stream formats, a stripped-suffix
// directory for archive formats.
func siblingDestination(tag, src string) string {
	suffixes := map[string][]string{
		"gzip":    {".gz", ".gzip"},
		"bzip2":   {".bz2"},
		"xz":      {".xz"},
		"zip":     {".zip"},
		"tar":     {".tar"},
		"tar.gz":  {".tar.gz", ".tgz"},
		"tar.bz2": {".tar.bz2", ".tbz2"},
		"tar.xz":  {".tar.xz", ".txz"},
	}
	base := src
	for _, suf := range suffixes[tag] {
		if strings.HasSuffix(strings.ToLower(src), suf) {
			base = src[:len(src)-len(suf)]
			break
		}
	}
	if base == src {
		base = src + ".extracted"
	}
	return base
}

func decompressGzipFile(src, dest string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("ia-get: gzip: %w", err)
	}
	defer zr.Close()
	return []string{dest}, copyToFile(dest, zr)
}

func decompressBzip2File(src, dest string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	return []string{dest}, copyToFile(dest, bzip2.NewReader(in))
}

func decompressXZFile(src, dest string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	zr, err := xz.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("ia-get: xz: %w", err)
	}
	return []string{dest}, copyToFile(dest, zr)
}

func copyToFile(dest string, r io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return &FileSystemError{Op: "create", Path: dest, Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return &FileSystemError{Op: "write", Path: dest, Err: err}
	}
	return nil
}

func decompressZipArchive(src, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer zr.Close()

	var out []string
	for _, f := range zr.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return out, fmt.Errorf("ia-get: zip entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return out, &FileSystemError{Op: "mkdir", Path: target, Err: err}
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return out, &FileSystemError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
		}
		rc, err := f.Open()
		if err != nil {
			return out, fmt.Errorf("ia-get: zip: %w", err)
		}
		err = copyToFile(target, rc)
		rc.Close()
		if err != nil {
			return out, err
		}
		out = append(out, target)
	}
	return out, nil
}

func decompressTarArchive(src, destDir string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	return extractTar(in, destDir)
}

func decompressTarGzArchive(src, destDir string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("ia-get: gzip: %w", err)
	}
	defer zr.Close()
	return extractTar(zr, destDir)
}

func decompressTarBz2Archive(src, destDir string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	return extractTar(bzip2.NewReader(in), destDir)
}

func decompressTarXzArchive(src, destDir string) ([]string, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, &FileSystemError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	zr, err := xz.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("ia-get: xz: %w", err)
	}
	return extractTar(zr, destDir)
}

func extractTar(r io.Reader, destDir string) ([]string, error) {
	tr := tar.NewReader(r)
	var out []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("ia-get: tar: %w", err)
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return out, fmt.Errorf("ia-get: tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return out, &FileSystemError{Op: "mkdir", Path: target, Err: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return out, &FileSystemError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
			}
			if err := copyToFile(target, tr); err != nil {
				return out, err
			}
			out = append(out, target)
		}
	}
	return out, nil
}
