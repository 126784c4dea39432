package store

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	raven "github.com/getsentry/raven-go"
)

// A S3 store represents a store that is kept on AWS S3 storage, or anything
// speaking the same protocol such as Minio.
// Do not change Bucket or Prefix concurrently with calls using the structure.
//
// Screenshots are small, so objects are read and written in one request each.
type S3 struct {
	svc    s3iface.S3API
	Bucket string
	Prefix string
}

var (
	// make sure it implements the Store interface
	_ Store = &S3{}
)

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. This is to allow for a bucket to be used for more than
// one store. For example if prefix were "shots/" then an Open("hello") would
// look for the key "shots/hello" in the bucket. The authorization method and
// credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return NewS3Client(bucket, prefix, s3.New(awsSession))
}

// NewS3Client is like NewS3 but takes an already configured S3 client.
func NewS3Client(bucket, prefix string, svc s3iface.S3API) *S3 {
	return &S3{
		Bucket: bucket,
		Prefix: prefix,
		svc:    svc,
	}
}

// Ping checks that the bucket exists and that our credentials may use it.
func (s *S3) Ping() error {
	_, err := s.svc.HeadBucket(&s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

// List returns a list of all the keys in this store. It will only return ones
// that satisfy the store's Prefix, so it is safe to use this on a bucket
// containing other items.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.listPrefix("", func(key string) { out <- key })
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix})
		}
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.listPrefix(prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Pattern": prefix})
	}
	return result, err
}

func (s *S3) listPrefix(prefix string, emit func(string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	return s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				emit(strings.TrimPrefix(aws.StringValue(item.Key), s.Prefix))
			}
			return !lastpage
		})
}

// Open will return a ReadAtCloser to get the content for the given key. The
// whole object is downloaded before Open returns.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	output, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotExist
		}
		log.Println("S3 Open:", s.Prefix, key, err)
		return nil, 0, err
	}
	defer output.Body.Close()
	data := &bytes.Buffer{}
	_, err = io.Copy(data, output.Body)
	if err != nil {
		return nil, 0, err
	}
	return bytesReadAtCloser{bytes.NewReader(data.Bytes())}, int64(data.Len()), nil
}

type bytesReadAtCloser struct {
	*bytes.Reader
}

func (bytesReadAtCloser) Close() error { return nil }

// Create will return a WriteCloser to upload content to the given key. Data is
// buffered in memory and sent with a single PUT when the writer is closed.
// ErrKeyExists is returned if the key is already present.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	_, err := s.Stat(key)
	if err == nil {
		return nil, ErrKeyExists
	} else if err != ErrNotExist {
		return nil, err
	}
	return &s3WriteCloser{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
	}, nil
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
	}
	return err
}

// Stat will check if a key exists, and if so it returns the size. If the item
// does not exist ErrNotExist is returned. The prefix is added to the key
// before checking.
func (s *S3) Stat(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotExist
		}
		return 0, err
	}
	return aws.Int64Value(info.ContentLength), nil
}

func isNotFound(err error) bool {
	if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
		return true
	}
	if e, ok := err.(awserr.Error); ok {
		switch e.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// s3WriteCloser collects everything written to it and does a single PUT
// when it is closed. Nothing is sent if a Write failed.
type s3WriteCloser struct {
	svc    s3iface.S3API
	bucket string
	key    string
	buf    bytes.Buffer
	abort  bool
}

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	n, err := wc.buf.Write(p)
	if err != nil {
		wc.abort = true
	}
	return n, err
}

func (wc *s3WriteCloser) Close() error {
	if wc.abort {
		return nil
	}
	source := bytes.NewReader(wc.buf.Bytes()) // need Seek(), and bytes.Buffer doesn't have it
	_, err := wc.svc.PutObject(&s3.PutObjectInput{
		Body:          source,
		Bucket:        aws.String(wc.bucket),
		Key:           aws.String(wc.key),
		ContentLength: aws.Int64(int64(source.Len())),
	})
	if err != nil {
		log.Println("S3 PutObject:", wc.key, err)
	}
	return err
}
