package persistence

import (
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

// SplitFailure flattens f into the kind, message and class columns used by
// the SQL and document stores. A nil failure becomes three empty strings.
func SplitFailure(f *api.Failure) (kind, msg, class string) {
	if f == nil {
		return "", "", ""
	}
	class = string(f.Class)
	if class == "" {
		class = string(api.ClassApplication)
	}
	return f.Kind, f.Message, class
}

// JoinFailure is the inverse of SplitFailure.
func JoinFailure(kind, msg, class string) *api.Failure {
	if class == "" {
		return nil
	}
	return &api.Failure{Kind: kind, Message: msg, Class: api.FailureClass(class)}
}

// ToNanos maps the zero time to 0 so it survives a round trip.
func ToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func FromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
