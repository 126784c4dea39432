package main

import (
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/archiveapi"
	"github.com/ndlib/shotlogger/delivery"
)

// splitBucketPrefix will take a path and separate the bucket name from a prefix, if any.
// It makes sure the prefix returned is either empty or ends with a slash "/".
//
// examples:
// 		"" -> ("", "")
//		"bucket" -> ("bucket", "")
//		"bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(location string) (bucket, prefix string) {
	if location == "" {
		return
	}
	location = strings.TrimPrefix(location, "/")
	v := strings.SplitN(location, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = path.Clean(v[1])
		if prefix == "." {
			prefix = ""
		}
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

// parseLocation makes the delivery backend for the configured server_url.
// An empty location means there is no archive and nil is returned.
// It understands "http:" and "https:" for an archive server, and "s3:" and
// "s3s:" for an object store, e.g. "s3://localhost:9000/bucket/prefix".
// Use "s3s:" for a https connection to a custom endpoint.
func parseLocation(c fileConfig) (delivery.Backend, error) {
	if c.ServerURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return nil, errors.Wrap(err, "server_url")
	}
	timeout := seconds(c.UploadTimeoutSeconds)
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, errors.Errorf("server_url %q has no host", c.ServerURL)
		}
		if c.TorSocksProxy != "" {
			if _, err := archiveapi.ProxyURL(c.TorSocksProxy); err != nil {
				return nil, errors.Wrapf(err, "tor_socks_proxy %q", c.TorSocksProxy)
			}
		}
		return &delivery.HTTPBackend{Conn: &archiveapi.Connection{
			HostURL:  strings.TrimSuffix(c.ServerURL, "/"),
			Password: c.UploadPassword,
			Proxy:    c.TorSocksProxy,
			Timeout:  timeout,
		}}, nil
	case "s3", "s3s":
		bucket, prefix := splitBucketPrefix(u.Path)
		if bucket == "" {
			return nil, errors.Errorf("server_url %q has no bucket name", c.ServerURL)
		}
		cfg := delivery.S3Config{
			Endpoint:   u.Host,
			DisableSSL: u.Scheme == "s3",
			Region:     c.ObjectStore.Region,
			Bucket:     bucket,
			Prefix:     prefix,
			AccessKey:  c.ObjectStore.AccessKey,
			SecretKey:  c.ObjectStore.SecretKey,
			Timeout:    timeout,
		}
		return &delivery.ObjectBackend{Login: delivery.S3Login(cfg)}, nil
	}
	return nil, errors.Errorf("server_url %q: unknown scheme %q", c.ServerURL, u.Scheme)
}
