package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/jittakal/csvexport/internal/errors"
)

// Scheme identifies a destination backend in a URI.
type Scheme string

const (
	SchemeStdout Scheme = "stdout"
	SchemeFile   Scheme = "file"
	SchemeS3     Scheme = "s3"
	SchemeGCS    Scheme = "gs"
	SchemeAzure  Scheme = "wasbs"
	SchemeTCP    Scheme = "tcp"
)

// Location is a parsed destination URI.
type Location struct {
	Scheme Scheme
	// Bucket is the S3/GCS bucket or the Azure container.
	Bucket string
	// Key is the object key, blob name or local path.
	Key string
	// Address is the host:port of a tcp destination.
	Address string
}

// ParseLocation parses a destination URI:
//
//	- or stdout              standard output
//	path or file://path      local file
//	s3://bucket/key          Amazon S3 object
//	gs://bucket/object       Google Cloud Storage object
//	wasbs://container/blob   Azure blob (container@account is accepted)
//	tcp://host:port          TCP stream
func ParseLocation(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "":
		return Location{}, fmt.Errorf("%w: destination is empty", apperrors.ErrInvalidConfig)
	case uri == "-" || uri == "stdout":
		return Location{Scheme: SchemeStdout}, nil
	case strings.HasPrefix(uri, "file://"):
		return Location{Scheme: SchemeFile, Key: strings.TrimPrefix(uri, "file://")}, nil
	case !strings.Contains(uri, "://"):
		return Location{Scheme: SchemeFile, Key: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("%w: invalid destination %q: %v", apperrors.ErrInvalidConfig, uri, err)
	}

	switch scheme := Scheme(strings.ToLower(u.Scheme)); scheme {
	case SchemeS3, SchemeGCS, SchemeAzure:
		bucket := u.Host
		if u.User != nil {
			// wasbs://container@account.blob.core.windows.net/blob
			bucket = u.User.Username()
		}
		key := strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return Location{}, fmt.Errorf("%w: destination %q needs a bucket and a key", apperrors.ErrInvalidConfig, uri)
		}
		return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
	case SchemeTCP:
		if u.Host == "" {
			return Location{}, fmt.Errorf("%w: destination %q needs host:port", apperrors.ErrInvalidConfig, uri)
		}
		return Location{Scheme: SchemeTCP, Address: u.Host}, nil
	default:
		return Location{}, fmt.Errorf("%w: unsupported destination scheme %q", apperrors.ErrInvalidConfig, u.Scheme)
	}
}

// Rotatable reports whether the location names a file-like object that can be
// split into numbered parts.
func (l Location) Rotatable() bool {
	switch l.Scheme {
	case SchemeFile, SchemeS3, SchemeGCS, SchemeAzure:
		return true
	default:
		return false
	}
}

// PartPath returns the destination of part number part. Part 1 is the
// destination itself; later parts insert a zero-padded sequence number before
// the extension:
//
//	out.csv           part 2 -> out-00002.csv
//	s3://b/x/data.tsv part 3 -> s3://b/x/data-00003.tsv
//
// Streams (stdout, tcp) have no parts and are returned unchanged.
func PartPath(destination string, part int) string {
	if part <= 1 {
		return destination
	}
	if loc, err := ParseLocation(destination); err == nil && !loc.Rotatable() {
		return destination
	}

	dir, base := "", destination
	if i := strings.LastIndex(destination, "/"); i >= 0 {
		dir, base = destination[:i+1], destination[i+1:]
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s%s-%05d%s", dir, stem, part, ext)
}
