// Package collection contains the policies and post processors used to build an input.
package collection

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/larrabee/s3ingest/pipeline"
	"github.com/larrabee/s3ingest/sincedb"
	"github.com/larrabee/s3ingest/storage"
)

type policy struct {
	name   string
	accept func(obj *storage.Object) bool
}

func (p *policy) Name() string {
	return p.name
}

func (p *policy) Accept(obj *storage.Object) bool {
	return p.accept(obj)
}

// SkipEndingDirectory rejects directory marker keys.
func SkipEndingDirectory() pipeline.Policy {
	return &policy{name: "SkipEndingDirectory", accept: func(obj *storage.Object) bool {
		return !strings.HasSuffix(obj.KeyString(), "/")
	}}
}

// SkipEmptyFile rejects zero length objects.
func SkipEmptyFile() pipeline.Policy {
	return &policy{name: "SkipEmptyFile", accept: func(obj *storage.Object) bool {
		return obj.Size() > 0
	}}
}

// IgnoreNewerThan rejects objects modified less than cutoff ago, they may still be uploading.
func IgnoreNewerThan(cutoff time.Duration, clock func() time.Time) pipeline.Policy {
	if cutoff <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &policy{name: "IgnoreNewerThan", accept: func(obj *storage.Object) bool {
		return clock().Sub(obj.MtimeValue()) >= cutoff
	}}
}

// IgnoreOlderThan rejects objects modified more than horizon ago.
func IgnoreOlderThan(horizon time.Duration, clock func() time.Time) pipeline.Policy {
	if horizon <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &policy{name: "IgnoreOlderThan", accept: func(obj *storage.Object) bool {
		return clock().Sub(obj.MtimeValue()) < horizon
	}}
}

// ExcludePattern rejects keys matching re.
func ExcludePattern(re *regexp.Regexp) pipeline.Policy {
	if re == nil {
		return nil
	}
	return &policy{name: "ExcludePattern", accept: func(obj *storage.Object) bool {
		return !re.MatchString(obj.KeyString())
	}}
}

// ExcludeBackupedFiles rejects copies made by BackupToBucket when it writes into the source bucket.
func ExcludeBackupedFiles(sourceBucket, backupBucket, backupPrefix string) pipeline.Policy {
	if backupPrefix == "" || sourceBucket != backupBucket {
		return nil
	}
	return &policy{name: "ExcludeBackupedFiles", accept: func(obj *storage.Object) bool {
		return !strings.HasPrefix(obj.KeyString(), backupPrefix)
	}}
}

var restoreExpiry = regexp.MustCompile(`expiry-date="([^"]+)"`)

// SkipArchived rejects archived objects without an available restored copy.
// Only archived objects cost an extra metadata request.
func SkipArchived(st storage.Storage, clock func() time.Time) pipeline.Policy {
	if clock == nil {
		clock = time.Now
	}
	return &policy{name: "SkipArchived", accept: func(obj *storage.Object) bool {
		if !obj.IsArchived() {
			return true
		}
		head := *obj
		if err := st.GetObjectMeta(&head); err != nil {
			pipeline.Log.WithError(err).WithField("key", obj.KeyString()).Debug("Failed to get restore status")
			return false
		}
		return RestoreAvailable(head.Restore, clock())
	}}
}

// RestoreAvailable parses x-amz-restore header value.
// A copy is available when restore is finished and not yet expired.
func RestoreAvailable(restore *string, now time.Time) bool {
	if restore == nil || !strings.Contains(*restore, `ongoing-request="false"`) {
		return false
	}
	m := restoreExpiry.FindStringSubmatch(*restore)
	if m == nil {
		return false
	}
	expiry, err := http.ParseTime(m[1])
	if err != nil {
		return false
	}
	return expiry.After(now)
}

// AlreadyProcessed rejects object versions recorded in the ledger.
func AlreadyProcessed(db *sincedb.SinceDB) pipeline.Policy {
	return &policy{name: "AlreadyProcessed", accept: func(obj *storage.Object) bool {
		return !db.Processed(obj)
	}}
}

// Options selects the policies of DefaultValidator.
type Options struct {
	Source        storage.Storage
	Ledger        *sincedb.SinceDB
	Cutoff        time.Duration
	IgnoreOlder   time.Duration
	Exclude       *regexp.Regexp
	BackupBucket  string
	BackupPrefix  string
	CheckArchived bool
	Clock         func() time.Time
}

// DefaultValidator returns the canonical policy chain, cheapest first and the ledger last.
func DefaultValidator(opts Options) *pipeline.Validator {
	policies := []pipeline.Policy{
		SkipEndingDirectory(),
		SkipEmptyFile(),
		IgnoreNewerThan(opts.Cutoff, opts.Clock),
		IgnoreOlderThan(opts.IgnoreOlder, opts.Clock),
		ExcludePattern(opts.Exclude),
		ExcludeBackupedFiles(opts.Source.Bucket(), opts.BackupBucket, opts.BackupPrefix),
	}
	if opts.CheckArchived {
		policies = append(policies, SkipArchived(opts.Source, opts.Clock))
	}
	if opts.Ledger != nil {
		policies = append(policies, AlreadyProcessed(opts.Ledger))
	}
	return pipeline.NewValidator(policies...)
}
