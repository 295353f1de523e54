package ntuple

import (
	"strings"

	"github.com/hupe1980/ntuple/storage/file"
)

// Scheme selects the storage medium of a location.
type Scheme string

const (
	// SchemeMemory keeps blobs in a process-wide in-memory store.
	SchemeMemory Scheme = "mem"
	// SchemeFile writes a single ntuple file.
	SchemeFile Scheme = "file"
	// SchemeDir keeps one blob per object in a local directory.
	SchemeDir Scheme = "dir"
	// SchemeS3 keeps blobs in an S3 bucket.
	SchemeS3 Scheme = "s3"
	// SchemeMinio keeps blobs in a MinIO or other S3-compatible server.
	SchemeMinio Scheme = "minio"
)

// Location is a parsed storage location.
//
//	mem://<id>
//	file://<path>  or  <path>.ntpl
//	dir://<path>
//	s3://<bucket>[/<prefix>]
//	minio://<host[:port]>/<bucket>[/<prefix>]
type Location struct {
	Scheme Scheme
	// Host is the endpoint of a MinIO server.
	Host   string
	Bucket string
	// Path is the memory store id, the file or directory path, or the
	// object key prefix.
	Path string
}

// ParseLocation parses s. Errors match ErrInvalidLocation.
func ParseLocation(s string) (Location, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		if strings.HasSuffix(s, file.Extension) && len(s) > len(file.Extension) {
			return Location{Scheme: SchemeFile, Path: s}, nil
		}
		return Location{}, &LocationError{Location: s, Reason: "missing scheme"}
	}

	loc := Location{Scheme: Scheme(strings.ToLower(scheme))}
	switch loc.Scheme {
	case SchemeMemory, SchemeFile, SchemeDir:
		if rest == "" {
			return Location{}, &LocationError{Location: s, Reason: "empty path"}
		}
		loc.Path = rest
	case SchemeS3:
		loc.Bucket, loc.Path, _ = strings.Cut(rest, "/")
		loc.Path = strings.Trim(loc.Path, "/")
		if loc.Bucket == "" {
			return Location{}, &LocationError{Location: s, Reason: "empty bucket"}
		}
	case SchemeMinio:
		var tail string
		loc.Host, tail, _ = strings.Cut(rest, "/")
		loc.Bucket, loc.Path, _ = strings.Cut(tail, "/")
		loc.Path = strings.Trim(loc.Path, "/")
		if loc.Host == "" {
			return Location{}, &LocationError{Location: s, Reason: "empty host"}
		}
		if loc.Bucket == "" {
			return Location{}, &LocationError{Location: s, Reason: "empty bucket"}
		}
	default:
		return Location{}, &LocationError{Location: s, Reason: "unsupported scheme " + scheme}
	}
	return loc, nil
}

// String formats the location in its canonical form.
func (l Location) String() string {
	var b strings.Builder
	b.WriteString(string(l.Scheme))
	b.WriteString("://")
	switch l.Scheme {
	case SchemeS3:
		b.WriteString(l.Bucket)
		if l.Path != "" {
			b.WriteString("/" + l.Path)
		}
	case SchemeMinio:
		b.WriteString(l.Host + "/" + l.Bucket)
		if l.Path != "" {
			b.WriteString("/" + l.Path)
		}
	default:
		b.WriteString(l.Path)
	}
	return b.String()
}
