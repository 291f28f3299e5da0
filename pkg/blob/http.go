package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/errors"
)

// HTTPStore talks to a dispatcher's blob endpoints. Worker agents use it
// to pull bundle archives and push result archives without sharing a
// filesystem with the dispatcher.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPStore creates a blob client against the dispatcher at baseURL.
// The token is sent on every request; pass "" for unauthenticated use.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			// Bundle and result archives can be large; no overall cap,
			// the per-request context carries the deadline.
			Timeout: 0,
		},
	}
}

func (s *HTTPStore) Put(ctx context.Context, name, contentType string, r io.Reader) (*Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/blobs", r)
	if err != nil {
		return nil, errors.Wrap(err, "build blob upload request")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Blob-Name", sanitizeName(name))
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.StoreUnavailable.Wrap(err, "upload blob")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "upload blob")
	}

	var meta Meta
	if err := decodeJSON(resp.Body, &meta); err != nil {
		return nil, errors.Wrap(err, "decode blob upload response")
	}
	return &meta, nil
}

func (s *HTTPStore) Get(ctx context.Context, ref string) (io.ReadCloser, *Meta, error) {
	if !validRef(ref) {
		return nil, nil, errors.BadRequest.Newf("invalid blob ref %q", ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/blobs/"+ref, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build blob download request")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.StoreUnavailable.Wrapf(err, "download blob %s", ref)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil, errors.NotFound.Newf("blob %s not found", ref)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, nil, statusError(resp, fmt.Sprintf("download blob %s", ref))
	}

	meta := &Meta{
		Ref:         ref,
		Name:        resp.Header.Get("X-Blob-Name"),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}
	if t, err := time.Parse(time.RFC3339, resp.Header.Get("X-Blob-Created")); err == nil {
		meta.CreatedAt = t
	}
	return resp.Body, meta, nil
}

func (s *HTTPStore) Delete(ctx context.Context, ref string) error {
	if !validRef(ref) {
		return errors.BadRequest.Newf("invalid blob ref %q", ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/blobs/"+ref, nil)
	if err != nil {
		return errors.Wrap(err, "build blob delete request")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.StoreUnavailable.Wrapf(err, "delete blob %s", ref)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return statusError(resp, fmt.Sprintf("delete blob %s", ref))
	}
	return nil
}

func (s *HTTPStore) List(ctx context.Context) ([]*Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/blobs", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build blob list request")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.StoreUnavailable.Wrap(err, "list blobs")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "list blobs")
	}

	var listing ListResponse
	if err := decodeJSON(resp.Body, &listing); err != nil {
		return nil, errors.Wrap(err, "decode blob listing")
	}
	return listing.Blobs, nil
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.Newf("%s: server returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(r io.Reader, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
