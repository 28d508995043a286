package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Client{}
	_ verso.PointerStore  = &Client{}
	_ verso.PointerLister = &Client{}
)

// Client is an object and pointer store backed by a remote Server.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient produces a new Client for the server at baseURL.
// If hc is nil, http.DefaultClient is used.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(baseURL, "/"), hc: hc}
}

func objectPath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/objects/" + strings.Join(parts, "/")
}

func pointerPath(ns string) string {
	return "/pointers/" + url.PathEscape(ns)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, hdr http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s request for %s", method, path)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, verso.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return nil, errors.Errorf("%s %s: status %d %s", method, path, resp.StatusCode, e.Error)
	}
	return resp, nil
}

func (c *Client) putJSON(ctx context.Context, path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	resp, err := c.do(ctx, http.MethodPut, path, bytes.NewReader(b), http.Header{"Content-Type": {"application/json"}})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func infoFromHeaders(name string, h http.Header) (verso.ObjectInfo, error) {
	info := verso.ObjectInfo{Name: name}
	size, err := strconv.ParseInt(h.Get(sizeHeader), 10, 64)
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "parsing size of %s", name)
	}
	info.Size = size
	if m := h.Get(metadataHeader); m != "" {
		if err = json.Unmarshal([]byte(m), &info.Metadata); err != nil {
			return verso.ObjectInfo{}, errors.Wrapf(err, "decoding metadata of %s", name)
		}
	}
	return info, nil
}

// Stat implements verso.ObjectGetter.
func (c *Client) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, objectPath(name), nil, nil)
	if err != nil {
		return verso.ObjectInfo{}, err
	}
	resp.Body.Close()
	return infoFromHeaders(name, resp.Header)
}

// Open implements verso.ObjectGetter.
func (c *Client) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, objectPath(name), nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Put implements verso.ObjectStore.
func (c *Client) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	hdr := http.Header{"Content-Type": {"application/octet-stream"}}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrapf(err, "encoding metadata for %s", name)
		}
		hdr.Set(metadataHeader, string(b))
	}
	resp, err := c.do(ctx, http.MethodPut, objectPath(name), r, hdr)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetPointer implements verso.PointerGetter.
func (c *Client) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	resp, err := c.do(ctx, http.MethodGet, pointerPath(ns), nil, nil)
	if err != nil {
		return verso.Announcement{}, err
	}
	defer resp.Body.Close()

	var p pointerJSON
	if err = json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "decoding announcement for %s", ns)
	}
	return verso.Announcement{Version: p.Version, Pin: p.Pin}, nil
}

// Announce implements verso.PointerStore.
func (c *Client) Announce(ctx context.Context, ns string, v verso.Version) error {
	return c.putJSON(ctx, pointerPath(ns)+"/version", pointerJSON{Version: v})
}

// Pin implements verso.PointerStore.
func (c *Client) Pin(ctx context.Context, ns string, v *verso.Version) error {
	return c.putJSON(ctx, pointerPath(ns)+"/pin", pointerJSON{Pin: v})
}

// ListPointers implements verso.PointerLister.
func (c *Client) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	resp, err := c.do(ctx, http.MethodGet, "/pointers", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var ptrs []pointerJSON
	if err = json.NewDecoder(resp.Body).Decode(&ptrs); err != nil {
		return errors.Wrap(err, "decoding announcements")
	}
	for _, p := range ptrs {
		if err = f(p.Namespace, verso.Announcement{Version: p.Version, Pin: p.Pin}); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	factory := func(_ context.Context, conf map[string]interface{}) (*Client, error) {
		addr, ok := conf["addr"].(string)
		if !ok {
			return nil, errors.New(`missing "addr" parameter`)
		}
		return NewClient(addr, nil), nil
	}
	store.RegisterObjects("remote", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		return factory(ctx, conf)
	})
	store.RegisterPointers("remote", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		return factory(ctx, conf)
	})
}
