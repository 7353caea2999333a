package storage

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
)

// StrongEtag remove "W/" prefix and quotes from ETag.
// In some cases S3 return ETag with "W/" prefix which mean that it not strong ETag.
// For easier compare we remove this prefix.
func StrongEtag(s *string) *string {
	if s == nil {
		return aws.String("")
	}
	etag := strings.Trim(strings.TrimPrefix(*s, "W/"), `"`)
	return &etag
}

// KeyString returns object key or empty string.
func (o *Object) KeyString() string {
	if o == nil {
		return ""
	}
	return aws.StringValue(o.Key)
}

// BucketString returns object bucket or empty string.
func (o *Object) BucketString() string {
	if o == nil {
		return ""
	}
	return aws.StringValue(o.Bucket)
}

// ETagString returns object etag or empty string.
func (o *Object) ETagString() string {
	if o == nil {
		return ""
	}
	return aws.StringValue(o.ETag)
}

// MtimeValue returns object modification time or zero time.
func (o *Object) MtimeValue() time.Time {
	if o == nil {
		return time.Time{}
	}
	return aws.TimeValue(o.Mtime)
}

// Size returns object content length or zero.
func (o *Object) Size() int64 {
	if o == nil {
		return 0
	}
	return aws.Int64Value(o.ContentLength)
}

// IsArchived returns true if object storage class require restore before reading.
func (o *Object) IsArchived() bool {
	switch aws.StringValue(o.StorageClass) {
	case StorageClassGlacier, StorageClassDeepArchive:
		return true
	}
	return false
}
