package s3

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Settings are low-level S3 client options which are not covered by regular flags.
type Settings struct {
	ForcePathStyle bool
	UseAccelerate  bool
	UseDualStack   bool
	SkipSSLVerify  bool
}

// DefaultSettings returns settings used when nothing is overridden.
func DefaultSettings() Settings {
	return Settings{ForcePathStyle: true}
}

// ParseSettings converts raw key=value pairs to Settings.
// Unknown keys and non-boolean values are rejected.
func ParseSettings(raw map[string]string) (Settings, error) {
	st := DefaultSettings()

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, err := strconv.ParseBool(strings.TrimSpace(raw[k]))
		if err != nil {
			return st, errors.Errorf("additional setting %q: invalid boolean value %q", k, raw[k])
		}
		switch strings.ToLower(k) {
		case "force_path_style":
			st.ForcePathStyle = v
		case "use_accelerate_endpoint":
			st.UseAccelerate = v
		case "use_dualstack_endpoint":
			st.UseDualStack = v
		case "ssl_verify_peer":
			st.SkipSSLVerify = !v
		default:
			return st, errors.Errorf("unknown additional setting %q", k)
		}
	}
	return st, nil
}
