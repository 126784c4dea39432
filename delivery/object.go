package delivery

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/store"
)

// ObjectBackend delivers artifacts into an object store, as
// <owner>/<day>/<filename>. The session made by Login is kept and reused
// until the store refuses our credentials, after which the next delivery
// logs in again.
//
// An artifact which is already in the store with the same size is taken to
// be a duplicate of an earlier delivery and is not sent again. One with a
// different size is replaced.
type ObjectBackend struct {
	// Login makes a session with the object store.
	Login func(ctx context.Context) (store.Store, error)

	group singleflight.Group // so concurrent deliveries log in once

	m       sync.Mutex             // protects below
	root    store.Store            // nil if not logged in
	folders map[string]store.Store // by owner/day
}

var (
	_ Backend   = &ObjectBackend{}
	_ Connector = &ObjectBackend{}
)

// Connect logs in if there is no session.
func (o *ObjectBackend) Connect(ctx context.Context) error {
	_, err := o.session(ctx)
	return err
}

func (o *ObjectBackend) session(ctx context.Context) (store.Store, error) {
	o.m.Lock()
	root := o.root
	o.m.Unlock()
	if root != nil {
		return root, nil
	}
	v, err := o.group.Do("login", func() (interface{}, error) {
		return o.Login(ctx)
	})
	if err != nil {
		return nil, objectFailure(errors.Wrap(err, "object store login"))
	}
	root = v.(store.Store)
	o.m.Lock()
	o.root = root
	o.folders = make(map[string]store.Store)
	o.m.Unlock()
	return root, nil
}

// folder returns the store for one owner and day, creating the view the
// first time it is asked for.
func (o *ObjectBackend) folder(root store.Store, owner, day string) store.Store {
	key := owner + "/" + day
	o.m.Lock()
	defer o.m.Unlock()
	if o.root != root {
		// the session was dropped while we were using it
		return store.Folder(root, owner, day)
	}
	f := o.folders[key]
	if f == nil {
		f = store.Folder(root, owner, day)
		o.folders[key] = f
	}
	return f
}

// logout drops the session if it is still root.
func (o *ObjectBackend) logout(root store.Store) {
	o.m.Lock()
	if o.root == root {
		o.root = nil
		o.folders = nil
	}
	o.m.Unlock()
}

// Deliver writes body into the store.
func (o *ObjectBackend) Deliver(ctx context.Context, dest Destination, body io.Reader, size int64) error {
	root, err := o.session(ctx)
	if err != nil {
		return err
	}
	f := o.folder(root, dest.Owner, dest.Day)
	err = o.put(f, dest.Filename, body, size)
	if err != nil {
		failure := objectFailure(err)
		if failure.Kind == Auth {
			o.logout(root)
		}
		return failure
	}
	return nil
}

func (o *ObjectBackend) put(f store.Store, name string, body io.Reader, size int64) error {
	existing, err := store.Size(f, name)
	switch {
	case err == nil && existing == size:
		return nil
	case err == nil:
		if err := f.Delete(name); err != nil {
			return err
		}
	case err != store.ErrNotExist:
		return err
	}
	w, err := f.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, body); err != nil {
		// leaves nothing behind for the S3 and file stores
		w.Close()
		f.Delete(name)
		return err
	}
	return w.Close()
}

// objectFailure classifies an error from the object store.
func objectFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		switch status := rf.StatusCode(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fail(Auth, err)
		case status >= 400 && status < 500 && status != http.StatusRequestTimeout:
			return fail(Rejected, err)
		}
		return fail(Transport, err)
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied",
			"ExpiredToken", "InvalidToken", "NoCredentialProviders":
			return fail(Auth, err)
		}
	}
	return fail(Transport, err)
}

// S3Config describes an S3 compatible object store.
type S3Config struct {
	Endpoint   string // host[:port]; empty for AWS itself
	DisableSSL bool
	Region     string // empty means us-east-1
	Bucket     string
	Prefix     string
	AccessKey  string
	SecretKey  string
	Timeout    time.Duration // for each request; zero means 60 seconds
}

// S3Login returns a Login function for the ObjectBackend which connects to
// the given S3 service and checks the bucket is usable.
func S3Login(cfg S3Config) func(ctx context.Context) (store.Store, error) {
	return func(ctx context.Context) (store.Store, error) {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		conf := &aws.Config{
			Region:      aws.String(region),
			Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
			HTTPClient:  &http.Client{Timeout: timeout},
		}
		if cfg.Endpoint != "" {
			conf.Endpoint = aws.String(cfg.Endpoint)
			conf.DisableSSL = aws.Bool(cfg.DisableSSL)
			conf.S3ForcePathStyle = aws.Bool(true)
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			return nil, err
		}
		s := store.NewS3(cfg.Bucket, cfg.Prefix, sess)
		if err := s.Ping(); err != nil {
			return nil, err
		}
		return s, nil
	}
}
