package blob

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/foreman/pkg/errors"
)

const metaSuffix = ".meta.json"

// LocalStore keeps blobs as flat files under a base directory, one file
// per ref plus a JSON sidecar with the original name, content type, and
// size.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local blob store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errors.Wrapf(err, "create blob directory %s", basePath)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) Put(_ context.Context, name, contentType string, r io.Reader) (*Meta, error) {
	ref := uuid.New().String()
	path := s.blobPath(ref)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create blob %s", ref)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "write blob %s", ref)
	}

	meta := &Meta{
		Ref:         ref,
		Name:        sanitizeName(name),
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.writeMeta(meta); err != nil {
		os.Remove(path)
		return nil, err
	}
	return meta, nil
}

func (s *LocalStore) Get(_ context.Context, ref string) (io.ReadCloser, *Meta, error) {
	if !validRef(ref) {
		return nil, nil, errors.BadRequest.Newf("invalid blob ref %q", ref)
	}

	f, err := os.Open(s.blobPath(ref))
	if os.IsNotExist(err) {
		return nil, nil, errors.NotFound.Newf("blob %s not found", ref)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open blob %s", ref)
	}

	meta, err := s.readMeta(ref)
	if err != nil {
		// Sidecar lost: synthesize what we can from the file itself.
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, nil, errors.Wrapf(statErr, "stat blob %s", ref)
		}
		meta = &Meta{Ref: ref, Name: ref, Size: info.Size(), CreatedAt: info.ModTime().UTC()}
	}
	return f, meta, nil
}

func (s *LocalStore) Delete(_ context.Context, ref string) error {
	if !validRef(ref) {
		return errors.BadRequest.Newf("invalid blob ref %q", ref)
	}

	if err := os.Remove(s.blobPath(ref)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete blob %s", ref)
	}
	if err := os.Remove(s.metaPath(ref)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete blob meta %s", ref)
	}
	return nil
}

// List walks the blob files, oldest first. A blob whose sidecar is
// unreadable is listed by ref alone rather than hidden.
func (s *LocalStore) List(_ context.Context) ([]*Meta, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, errors.Wrapf(err, "list blob directory %s", s.basePath)
	}

	metas := make([]*Meta, 0, len(entries)/2)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		ref := entry.Name()
		if !validRef(ref) {
			continue
		}
		meta, err := s.readMeta(ref)
		if err != nil {
			meta = &Meta{Ref: ref, Name: ref}
			if info, err := entry.Info(); err == nil {
				meta.Size = info.Size()
				meta.CreatedAt = info.ModTime().UTC()
			}
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.Before(metas[j].CreatedAt)
		}
		return metas[i].Ref < metas[j].Ref
	})
	return metas, nil
}

func (s *LocalStore) blobPath(ref string) string {
	return filepath.Join(s.basePath, ref)
}

func (s *LocalStore) metaPath(ref string) string {
	return filepath.Join(s.basePath, ref+metaSuffix)
}

func (s *LocalStore) writeMeta(meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrapf(err, "marshal blob meta %s", meta.Ref)
	}
	if err := os.WriteFile(s.metaPath(meta.Ref), data, 0644); err != nil {
		return errors.Wrapf(err, "write blob meta %s", meta.Ref)
	}
	return nil
}

func (s *LocalStore) readMeta(ref string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(ref))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// validRef rejects anything that could escape the base directory. Refs
// are UUIDs we minted ourselves, so a strict character check is enough.
func validRef(ref string) bool {
	if ref == "" || len(ref) > 128 {
		return false
	}
	for _, c := range ref {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// sanitizeName strips any path components from a client-supplied name.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "bundle"
	}
	return name
}
