// Package secret holds a string type for passphrases and other values that
// must never land in a log line or error message by accident.
package secret

import "encoding/json"

// redacted is what a String prints as through fmt or slog.
const redacted = "[redacted]"

// String wraps a secret value. Its zero value formats as "[redacted]" like
// any other instance; there is no way to print the underlying bytes without
// calling Reveal.
type String struct {
	v string
}

// New wraps v as a secret.
func New(v string) String {
	return String{v: v}
}

// Reveal returns the underlying value. Callers that need to send it over
// the wire should Wipe the buffer they serialized it into afterward.
func (s String) Reveal() string {
	return s.v
}

// String implements fmt.Stringer, so %v/%s and slog both print the
// redaction marker instead of the value.
func (s String) String() string {
	return redacted
}

// MarshalJSON encodes the secret as its real value — callers that embed a
// secret.String in a struct destined for the wire get the plaintext in the
// JSON, and are responsible for wiping the resulting buffer with Wipe after
// the write completes. This is deliberately asymmetric with String(): JSON
// serialization is the one sanctioned path to the real value.
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.v)
}

// UnmarshalJSON decodes a plain JSON string into the secret.
func (s *String) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.v)
}

// Wipe zeroes buf in place. Callers call this on the serialized message
// buffer after a write carrying a secret.String field completes.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
