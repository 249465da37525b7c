// Package idgen generates deterministic, content-addressed identifiers for
// model-lock files and per-collection table names, and random identifiers
// for tasks and queue broker handles, following the teacher's base36
// content-hash approach.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts data to a base36 string padded/truncated to length,
// keeping the least-significant digits when data encodes to more than
// length characters.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var sb strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		sb.WriteByte(chars[i])
	}

	str := sb.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// NewTaskID returns a random, prefix-scoped task identifier: the base36
// hash of the task kind and a fresh UUID nonce, so two calls with the same
// kind return different IDs. The random nonce (rather than a bare counter)
// keeps task IDs collision-resistant across concurrent callers without a
// central sequence.
func NewTaskID(kind string) string {
	nonce := uuid.NewString()
	content := fmt.Sprintf("%s|%s", kind, nonce)
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("task-%s", EncodeBase36(hash[:5], 8))
}

// NewBrokerID returns a random queue broker handle (§4.B send() return
// value). No content to hash from, so this is a plain UUID.
func NewBrokerID() string {
	return uuid.NewString()
}

// ModelLockName returns the deterministic lock-file basename for a model ID,
// used by the inference dispatcher's deploy/undeploy exclusive lock (§4.J).
// Short-hashing the model ID keeps filesystem-unsafe characters out of the
// lock path.
func ModelLockName(modelID string) string {
	hash := sha256.Sum256([]byte(modelID))
	return fmt.Sprintf("model-%s.lock", EncodeBase36(hash[:8], 12))
}

// NewSessionID returns a fresh clickstream session identifier (§4.F
// register_session, when the caller doesn't supply one).
func NewSessionID() string {
	return fmt.Sprintf("sess-%s", uuid.NewString())
}

// NewBatchID returns a fresh clickstream batch identifier, assigned when a
// new active batch is opened lazily (§4.F).
func NewBatchID() string {
	return fmt.Sprintf("batch-%s", uuid.NewString())
}

// NewReleaseID returns a fresh release identifier stamped on a batch by
// release_batch (§4.F).
func NewReleaseID() string {
	return uuid.NewString()
}

// CollectionTableNames derives the deterministic object/part table names for
// a collection, per §6's "Names of per-collection tables are deterministic
// functions of collection_id."
func CollectionTableNames(collectionID string) (objectTable, partTable string) {
	hash := sha256.Sum256([]byte(collectionID))
	suffix := EncodeBase36(hash[:6], 10)
	return fmt.Sprintf("obj_%s", suffix), fmt.Sprintf("part_%s", suffix)
}
