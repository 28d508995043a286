// Package s3 implements object and pointer stores in an AWS S3 bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.ObjectStore   = &Store{}
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Store is an S3-backed object and pointer store.
//
// Objects are stored under Prefix+name,
// with their metadata as S3 user metadata.
// Announcements are small JSON objects under Prefix+"_pointers/"+namespace.
// S3 offers no compare-and-swap that every S3 implementation honors,
// so concurrent writers to one namespace's pointer can lose updates.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New produces a new Store.
// The prefix is optional and is prepended to all keys.
func New(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) pointerPrefix() string {
	return s.prefix + "_pointers/"
}

func (s *Store) pointerKey(ns string) string {
	return s.pointerPrefix() + ns
}

func isNotFound(err error) bool {
	var (
		notFound *types.NotFound
		noSuch   *types.NoSuchKey
		respErr  *smithyhttp.ResponseError
	)
	if errors.As(err, &notFound) || errors.As(err, &noSuch) {
		return true
	}
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

// Stat implements verso.ObjectGetter.
func (s *Store) Stat(ctx context.Context, name string) (verso.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if isNotFound(err) {
		return verso.ObjectInfo{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.ObjectInfo{}, errors.Wrapf(err, "heading %s", name)
	}

	info := verso.ObjectInfo{Name: name, Size: aws.ToInt64(out.ContentLength)}
	if len(out.Metadata) > 0 {
		info.Metadata = make(map[string]string, len(out.Metadata))
		for k, v := range out.Metadata {
			// S3 implementations differ on the case of returned metadata keys.
			info.Metadata[strings.ToLower(k)] = v
		}
	}
	return info, nil
}

// Open implements verso.ObjectGetter.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if isNotFound(err) {
		return nil, verso.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s", name)
	}
	return out.Body, nil
}

// Put implements verso.ObjectStore.
// Metadata keys must be lowercase.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, metadata map[string]string) error {
	body, ok := r.(io.ReadSeeker)
	if !ok {
		// The SDK must be able to rewind the body to sign and retry the request.
		data, err := io.ReadAll(r)
		if err != nil {
			return errors.Wrapf(err, "reading content for %s", name)
		}
		body = bytes.NewReader(data)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(name)),
		Body:     body,
		Metadata: metadata,
	})
	return errors.Wrapf(err, "putting %s", name)
}

type pointerObj struct {
	Version verso.Version  `json:"version"`
	Pin     *verso.Version `json:"pin,omitempty"`
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pointerKey(ns)),
	})
	if isNotFound(err) {
		return verso.Announcement{}, verso.ErrNotFound
	}
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "getting pointer for %s", ns)
	}
	defer out.Body.Close()

	var p pointerObj
	if err = json.NewDecoder(out.Body).Decode(&p); err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "decoding pointer for %s", ns)
	}
	return verso.Announcement{Version: p.Version, Pin: p.Pin}, nil
}

func (s *Store) putPointer(ctx context.Context, ns string, a verso.Announcement) error {
	b, err := json.Marshal(pointerObj{Version: a.Version, Pin: a.Pin})
	if err != nil {
		return errors.Wrapf(err, "encoding pointer for %s", ns)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.pointerKey(ns)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "putting pointer for %s", ns)
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	a, err := s.GetPointer(ctx, ns)
	if err != nil && !errors.Is(err, verso.ErrNotFound) {
		return err
	}
	a.Version = v
	return s.putPointer(ctx, ns, a)
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	a, err := s.GetPointer(ctx, ns)
	if err != nil {
		return err
	}
	a.Pin = v
	return s.putPointer(ctx, ns, a)
}

// ListPointers implements verso.PointerLister.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	var (
		namespaces []string
		token      *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.pointerPrefix()),
			ContinuationToken: token,
		})
		if err != nil {
			return errors.Wrap(err, "listing pointers")
		}
		for _, obj := range out.Contents {
			namespaces = append(namespaces, strings.TrimPrefix(aws.ToString(obj.Key), s.pointerPrefix()))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		a, err := s.GetPointer(ctx, ns)
		if errors.Is(err, verso.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err = f(ns, a); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	factory := func(ctx context.Context, conf map[string]interface{}) (*Store, error) {
		bucket, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		prefix, _ := conf["prefix"].(string)

		var opts []func(*config.LoadOptions) error
		if region, ok := conf["region"].(string); ok {
			opts = append(opts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "loading AWS config")
		}

		endpoint, _ := conf["endpoint"].(string)
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		return New(client, bucket, prefix), nil
	}
	store.RegisterObjects("s3", func(ctx context.Context, conf map[string]interface{}) (verso.ObjectStore, error) {
		return factory(ctx, conf)
	})
	store.RegisterPointers("s3", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		return factory(ctx, conf)
	})
}
