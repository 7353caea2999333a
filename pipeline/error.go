package pipeline

import "fmt"

// ListingError is returned when the source storage fails a list call.
// The tick that produced it yields no candidates, the next tick lists again.
type ListingError struct {
	Bucket string
	Prefix string
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("listing bucket: %s, prefix: %q failed with error: %s", e.Bucket, e.Prefix, e.Err)
}

func (e *ListingError) Unwrap() error {
	return e.Err
}

// ObjectError is a failure of one work item at the given stage.
type ObjectError struct {
	Key   string
	Stage string
	Err   error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("object: %s, stage: %s failed with error: %s", e.Key, e.Stage, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ConfigurationError is returned before start when options are invalid or conflicting.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("option: %s invalid configuration passed: %s", e.Option, e.Reason)
}
