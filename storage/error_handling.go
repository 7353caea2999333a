package storage

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gophercloud/gophercloud"
	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
)

// ErrObjectNotExist is returned by storages that have no native "not found" error.
var ErrObjectNotExist = errors.New("object does not exist")

// IsErrNotExist returns true if object (or bucket) was not found in storage.
func IsErrNotExist(err error) bool {
	if err == nil {
		return false
	}

	var aErr awserr.Error
	if errors.As(err, &aErr) {
		switch aErr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}

	var mErr minio.ErrorResponse
	if errors.As(err, &mErr) {
		switch mErr.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return true
		}
	}

	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}

	var sErr gophercloud.ErrDefault404
	if errors.As(err, &sErr) {
		return true
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrObjectNotExist) {
		return true
	}
	return false
}

// IsErrPermission returns true if storage denied access to object.
func IsErrPermission(err error) bool {
	if err == nil {
		return false
	}

	var aErr awserr.Error
	if errors.As(err, &aErr) {
		if aErr.Code() == "AccessDenied" {
			return true
		}
	}

	var mErr minio.ErrorResponse
	if errors.As(err, &mErr) && mErr.Code == "AccessDenied" {
		return true
	}

	if bloberror.HasCode(err, bloberror.AuthorizationFailure, bloberror.AuthorizationPermissionMismatch) {
		return true
	}

	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return false
}

// IsErrBrokenPipe returns true if connection was broken while streaming.
func IsErrBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}

// IsErrTransient returns true for network failures which are worth retrying.
func IsErrTransient(err error) bool {
	if err == nil || IsAwsContextCanceled(err) {
		return false
	}

	if IsErrBrokenPipe(err) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() >= 500 {
		return true
	}

	var aErr awserr.Error
	if errors.As(err, &aErr) {
		switch aErr.Code() {
		case request.ErrCodeRequestError, request.ErrCodeResponseTimeout, request.ErrCodeRead,
			"RequestTimeout", "SlowDown", "InternalError":
			return true
		}
	}

	var mErr minio.ErrorResponse
	if errors.As(err, &mErr) && mErr.StatusCode >= 500 {
		return true
	}

	return strings.Contains(err.Error(), "connection reset by peer")
}

// IsAwsContextCanceled returns true if request was canceled by context.
func IsAwsContextCanceled(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return true
	}

	var aErr awserr.Error
	if ok := errors.As(err, &aErr); ok && aErr.OrigErr() == context.Canceled {
		return true
	} else if ok && aErr.Code() == request.CanceledErrorCode {
		return true
	}

	return false
}
