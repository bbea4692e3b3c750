package s3store

import (
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// ErrNotFound reports that the target of an operation no longer exists:
// the multipart upload was already aborted or completed, or the key is gone.
var ErrNotFound = errors.New("s3store: not found")

// notFoundCodes are the API error codes S3 returns for missing targets.
var notFoundCodes = map[string]bool{
	"NoSuchUpload": true,
	"NoSuchKey":    true,
	"NotFound":     true,
	"NoSuchBucket": false, // a missing bucket is a configuration error, not a lifecycle race
}

// IsNotFound reports whether err indicates a vanished upload or key.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()] {
		return true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// IsTransient reports whether err looks retryable: a 5xx response, a
// throttle, or a transport failure with no HTTP response at all.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= 500 || code == http.StatusTooManyRequests
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
		return false
	}
	// No typed response: connection reset, DNS failure, timeout.
	return true
}
