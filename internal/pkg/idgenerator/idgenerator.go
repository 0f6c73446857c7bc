// nolint: gochecknoglobals
package idgenerator

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	WatcherIDLength    = 10
	TestPrefixIDLength = 10
)

// alphabet used in ID generation.
var alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func WatcherID() string {
	return gonanoid.MustGenerate(alphabet, WatcherIDLength)
}

func TestPrefixID() string {
	return gonanoid.MustGenerate(alphabet, TestPrefixIDLength)
}

func Random(length int) string {
	return gonanoid.MustGenerate(alphabet, length)
}
