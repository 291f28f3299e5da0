// Package bundle validates, extracts, and builds the archives that
// carry job inputs and results.
//
// A bundle is a zip or gzipped tar. The first bytes decide: anything
// that does not open with a known archive magic is rejected before
// extraction. Extraction refuses entries that would escape the target
// directory and refuses links outright, since a bundle has no
// legitimate use for them. Result archives are gzipped tars of the
// final workspace plus a logs.txt with the captured output.
package bundle

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/errors"
)

// Format identifies the archive container of a bundle.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

var (
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Sniff determines the archive format from the leading bytes, failing
// BadBundle when they match no known magic.
func Sniff(data []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(data, gzipMagic):
		return FormatTarGz, nil
	default:
		return "", errors.BadBundle.New("bundle is not a zip or gzip archive")
	}
}

// Extract unpacks the archive into dir.
func Extract(data []byte, dir string) error {
	format, err := Sniff(data)
	if err != nil {
		return err
	}
	switch format {
	case FormatZip:
		return extractZip(data, dir)
	default:
		return extractTar(data, dir)
	}
}

// safePath resolves an archive entry name under dir, rejecting
// absolute paths and traversal.
func safePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", errors.BadBundle.Newf("bundle entry %q escapes the workspace", name)
	}
	return filepath.Join(dir, cleaned), nil
}

// filePerm keeps the execute bits from the archive and fills in a sane
// default when the entry carries none.
func filePerm(mode fs.FileMode) fs.FileMode {
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	return perm
}

func extractZip(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.BadBundle.Wrap(err, "open zip bundle")
	}
	for _, f := range zr.File {
		dest, err := safePath(dir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return errors.Internal.Wrapf(err, "create directory %s", f.Name)
			}
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return errors.BadBundle.Newf("bundle entry %q is a link", f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return errors.BadBundle.Wrapf(err, "open bundle entry %s", f.Name)
		}
		err = writeFile(dest, rc, filePerm(f.Mode()))
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "extract %s", f.Name)
		}
	}
	return nil
}

func extractTar(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.BadBundle.Wrap(err, "open gzip bundle")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.BadBundle.Wrap(err, "read bundle archive")
		}

		dest, err := safePath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return errors.Internal.Wrapf(err, "create directory %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr, filePerm(hdr.FileInfo().Mode())); err != nil {
				return errors.Wrapf(err, "extract %s", hdr.Name)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return errors.BadBundle.Newf("bundle entry %q is a link", hdr.Name)
		default:
			// Device nodes and the like have no place in a bundle.
		}
	}
}

func writeFile(dest string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Internal.Wrap(err, "create parent directory")
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.Internal.Wrap(err, "create file")
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.BadBundle.Wrap(err, "copy file contents")
	}
	return out.Close()
}

// PackResult archives the workspace contents plus a logs.txt holding
// the captured output into a gzipped tar. A logs.txt already in the
// workspace is dropped in favor of ours.
func PackResult(dir string, logs []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." || rel == "logs.txt" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     rel + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     rel,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			return err
		default:
			// Sockets, pipes, and links left behind by a run are not
			// part of the result.
			return nil
		}
	})
	if err != nil {
		return nil, errors.Internal.Wrap(err, "pack result archive")
	}

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "logs.txt",
		Mode:     0o644,
		Size:     int64(len(logs)),
		ModTime:  time.Now(),
	}); err != nil {
		return nil, errors.Internal.Wrap(err, "write logs header")
	}
	if _, err := tw.Write(logs); err != nil {
		return nil, errors.Internal.Wrap(err, "write logs")
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Internal.Wrap(err, "finalize result archive")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Internal.Wrap(err, "finalize result archive")
	}
	return buf.Bytes(), nil
}
