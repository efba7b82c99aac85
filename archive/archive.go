// Package archive reads and writes the tar+gzip streams used for backups.
// Member names are always slash-separated and relative.
package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Entry describes a regular file captured in an archive.
type Entry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// HashFile returns the size and hex sha256 of the file at path.
func HashFile(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// CleanName validates a member name and returns its cleaned form. Absolute
// names and names escaping the archive root are rejected.
func CleanName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty member name")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, `\`) || (len(name) > 1 && name[1] == ':') {
		return "", fmt.Errorf("absolute member name %q", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("member name %q escapes archive root", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("member name %q contains a parent reference", name)
		}
	}
	return cleaned, nil
}

// Writer produces a gzip-compressed tar stream.
type Writer struct {
	gz      *gzip.Writer
	tw      *tar.Writer
	modTime time.Time
}

// NewWriter wraps w. modTime is stamped on every member header.
func NewWriter(w io.Writer, modTime time.Time) (*Writer, error) {
	gz, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return &Writer{gz: gz, tw: tar.NewWriter(gz), modTime: modTime}, nil
}

// AddBytes writes an in-memory member.
func (w *Writer) AddBytes(name string, data []byte, mode os.FileMode) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     int64(len(data)),
		ModTime:  w.modTime,
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("failed to write member %s: %w", name, err)
	}
	return nil
}

// AddFile copies the regular file at src into the archive as name. Exactly
// size bytes are copied; a file that shrank since it was measured is an error.
func (w *Writer) AddFile(name, src string, size int64, mode os.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     size,
		ModTime:  w.modTime,
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.CopyN(w.tw, f, size); err != nil {
		return fmt.Errorf("failed to copy %s into archive: %w", src, err)
	}
	return nil
}

// AddDir writes a directory member so empty directories survive a round trip.
func (w *Writer) AddDir(name string, mode os.FileMode) error {
	hdr := &tar.Header{
		Name:     strings.TrimSuffix(name, "/") + "/",
		Mode:     int64(mode.Perm()),
		ModTime:  w.modTime,
		Typeflag: tar.TypeDir,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write directory header for %s: %w", name, err)
	}
	return nil
}

// Close flushes the tar and gzip streams. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		w.gz.Close()
		return fmt.Errorf("failed to close tar stream: %w", err)
	}
	if err := w.gz.Close(); err != nil {
		return fmt.Errorf("failed to close gzip stream: %w", err)
	}
	return nil
}

// Reader iterates over the members of a gzip-compressed tar stream.
type Reader struct {
	gz *gzip.Reader
	tr *tar.Reader
}

func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return &Reader{gz: gz, tr: tar.NewReader(gz)}, nil
}

// Next advances to the next member. It returns io.EOF at the end of the archive.
func (r *Reader) Next() (*tar.Header, error) {
	return r.tr.Next()
}

// Read reads from the current member.
func (r *Reader) Read(p []byte) (int, error) {
	return r.tr.Read(p)
}

func (r *Reader) Close() error {
	return r.gz.Close()
}

// ReadMember returns the content of the named member of the archive at
// archivePath. It returns os.ErrNotExist when the member is absent.
func ReadMember(archivePath, name string, limit int64) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("member %s: %w", name, os.ErrNotExist)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive %s: %w", archivePath, err)
		}
		if path.Clean(hdr.Name) != name {
			continue
		}
		if hdr.Size > limit {
			return nil, fmt.Errorf("member %s is %d bytes, limit is %d", name, hdr.Size, limit)
		}
		data, err := io.ReadAll(io.LimitReader(r, limit))
		if err != nil {
			return nil, fmt.Errorf("failed to read member %s: %w", name, err)
		}
		return data, nil
	}
}
