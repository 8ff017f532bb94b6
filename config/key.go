// Package config defines build configurations, their content-addressed keys,
// and the function that materializes a configuration from its key.
package config

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/albertocavalcante/go-bzlconfig/eval"
	"github.com/albertocavalcante/go-bzlconfig/options"
)

// FunctionName is the substrate function computing configurations.
const FunctionName eval.FunctionName = "BUILD_CONFIGURATION"

// Key identifies a configuration: its fragments plus the diff of its options
// from the registry baseline. Keys are comparable; equal keys denote the same
// configuration.
type Key struct {
	fragments string
	diff      string
}

var _ eval.Key = Key{}

// NewKey builds a key from a fragment set and an options diff.
func NewKey(fragments FragmentSet, diff options.Diff) (Key, error) {
	enc, err := diff.Encode()
	if err != nil {
		return Key{}, err
	}
	return Key{fragments: fragments.String(), diff: enc}, nil
}

// KeyFor builds the key of opts restricted to fragments, relative to base.
func KeyFor(base, opts *options.BuildOptions, fragments FragmentSet) (Key, error) {
	return NewKey(fragments, options.DiffFor(base, opts))
}

// Function implements eval.Key.
func (k Key) Function() eval.FunctionName {
	return FunctionName
}

// Fragments returns the fragment set.
func (k Key) Fragments() FragmentSet {
	return ParseFragmentSet(k.fragments)
}

// Diff decodes the options diff.
func (k Key) Diff() (options.Diff, error) {
	return options.DecodeDiff(k.diff)
}

// EncodedDiff returns the canonical diff encoding.
func (k Key) EncodedDiff() string {
	return k.diff
}

// Equal reports whether k and other denote the same configuration.
func (k Key) Equal(other Key) bool {
	return k == other
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Checksum returns a hex digest identifying the key.
func (k Key) Checksum() string {
	h := sha256.New()
	h.Write([]byte(k.fragments))
	h.Write([]byte{0})
	h.Write([]byte(k.diff))
	return hex.EncodeToString(h.Sum(nil))
}

// Short returns an abbreviated checksum for display.
func (k Key) Short() string {
	return k.Checksum()[:12]
}

// String returns "[fragments]/checksum".
func (k Key) String() string {
	return "[" + k.fragments + "]/" + k.Checksum()
}
