// Package archive writes and reads the compressed artifact formats.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/ulikunitz/xz"

	"cr-go/internal/fs"
	"cr-go/internal/model"
)

// ErrUnsupportedFormat is returned for formats without a codec.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Supported reports whether Write can produce format.
func Supported(format model.CompressFormat) bool {
	switch format {
	case model.FormatZip, model.FormatTarGz, model.FormatTarBz, model.FormatTarXz:
		return true
	default:
		return false
	}
}

// Write streams entries into w as a single archive. Entry names are their
// slash-separated relative paths. It returns the uncompressed byte count.
func Write(ctx context.Context, w io.Writer, format model.CompressFormat, entries []fs.Entry) (int64, error) {
	switch format {
	case model.FormatZip:
		return writeZip(ctx, w, entries)
	case model.FormatTarGz:
		zw := gzip.NewWriter(w)
		return writeTar(ctx, zw, entries)
	case model.FormatTarBz:
		zw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return 0, fmt.Errorf("creating bzip2 writer: %w", err)
		}
		return writeTar(ctx, zw, entries)
	case model.FormatTarXz:
		zw, err := xz.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("creating xz writer: %w", err)
		}
		return writeTar(ctx, zw, entries)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func writeZip(ctx context.Context, w io.Writer, entries []fs.Entry) (int64, error) {
	zw := zip.NewWriter(w)
	var total int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return total, err
		}
		hdr, err := zip.FileInfoHeader(e.Info)
		if err != nil {
			zw.Close()
			return total, fmt.Errorf("zip header for %s: %w", e.Rel, err)
		}
		hdr.Name = e.Rel
		if e.IsDir() {
			hdr.Name += "/"
			hdr.Method = zip.Store
		} else {
			hdr.Method = zip.Deflate
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			zw.Close()
			return total, fmt.Errorf("adding %s: %w", e.Rel, err)
		}
		if e.IsDir() {
			continue
		}
		n, err := copyFrom(fw, e.Path)
		total += n
		if err != nil {
			zw.Close()
			return total, err
		}
	}
	if err := zw.Close(); err != nil {
		return total, fmt.Errorf("finishing zip: %w", err)
	}
	return total, nil
}

// writeTar writes a tar stream into zw and closes zw.
func writeTar(ctx context.Context, zw io.WriteCloser, entries []fs.Entry) (int64, error) {
	tw := tar.NewWriter(zw)
	var total int64
	fail := func(err error) (int64, error) {
		tw.Close()
		zw.Close()
		return total, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if e.IsDir() {
			hdr, err := tar.FileInfoHeader(e.Info, "")
			if err != nil {
				return fail(fmt.Errorf("tar header for %s: %w", e.Rel, err))
			}
			hdr.Name = e.Rel + "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return fail(fmt.Errorf("adding %s: %w", e.Rel, err))
			}
			continue
		}
		n, err := tarFile(tw, e)
		total += n
		if err != nil {
			return fail(err)
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return total, fmt.Errorf("finishing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return total, fmt.Errorf("finishing compression: %w", err)
	}
	return total, nil
}

// tarFile adds one regular file. The header size is taken when the file is
// opened and exactly that many bytes are copied, so a file still being
// appended to is stored as of that moment.
func tarFile(tw *tar.Writer, e fs.Entry) (int64, error) {
	f, err := os.Open(e.Path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", e.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", e.Path, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, fmt.Errorf("tar header for %s: %w", e.Rel, err)
	}
	hdr.Name = e.Rel
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("adding %s: %w", e.Rel, err)
	}

	n, err := io.CopyN(tw, f, hdr.Size)
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("reading %s: file shrank from %d to %d bytes during backup", e.Path, hdr.Size, n)
	}
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", e.Path, err)
	}
	return n, nil
}

func copyFrom(w io.Writer, p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", p, err)
	}
	return n, nil
}

// List returns the sorted file names stored in the archive at p. Directory
// entries are left out.
func List(p string, format model.CompressFormat) ([]string, error) {
	if format == model.FormatZip {
		zr, err := zip.OpenReader(p)
		if err != nil {
			return nil, fmt.Errorf("opening zip: %w", err)
		}
		defer zr.Close()
		var names []string
		for _, f := range zr.File {
			if !strings.HasSuffix(f.Name, "/") {
				names = append(names, f.Name)
			}
		}
		sort.Strings(names)
		return names, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	r, err := decompressor(f, format)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		names = append(names, path.Clean(hdr.Name))
	}
	sort.Strings(names)
	return names, nil
}

func decompressor(r io.Reader, format model.CompressFormat) (io.Reader, error) {
	switch format {
	case model.FormatTarGz:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip: %w", err)
		}
		return zr, nil
	case model.FormatTarBz:
		zr, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("opening bzip2: %w", err)
		}
		return zr, nil
	case model.FormatTarXz:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening xz: %w", err)
		}
		return zr, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
