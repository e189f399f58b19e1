// Package cache implements the shared tag-indexed cache layer: a namespaced
// Redis store with optional compression, reverse tag indexing for bulk
// invalidation, pattern-based clearing, hit/miss metrics, and a connection
// health monitor that gates every operation.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cachebus/internal/common/errors"
)

// DefaultMaxKeyLength is the longest key accepted when no limit is configured.
const DefaultMaxKeyLength = 256

// EntityKey builds the namespaced key for a single entity:
// "{prefix}{entityType}:{id}" with an optional ":{action}" suffix.
// The format is shared by every service against one deployment, so it must
// not change shape.
func EntityKey(prefix, entityType, id string, action ...string) string {
	key := fmt.Sprintf("%s%s:%s", prefix, entityType, id)
	if len(action) > 0 && action[0] != "" {
		key += ":" + action[0]
	}
	return key
}

// TagKey builds the key of the reverse-index set for a tag: "{prefix}tag:{tag}".
func TagKey(prefix, tag string) string {
	return fmt.Sprintf("%stag:%s", prefix, tag)
}

// ListKey builds the key for a user-scoped list/query cache:
// "user:{userId}:{entityType}:{canonicalParams}". Parameter names are sorted
// lexicographically and each value is serialized deterministically, so two
// calls with the same logical parameters always collide to one key regardless
// of map iteration order.
func ListKey(userID, entityType string, params map[string]interface{}) string {
	return fmt.Sprintf("user:%s:%s:%s", userID, entityType, canonicalParams(params))
}

// UserPattern builds the glob matching every list/query cache entry owned by
// a user, for bulk invalidation.
func UserPattern(userID string) string {
	return fmt.Sprintf("user:%s:*", userID)
}

func canonicalParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return "all"
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+canonicalValue(params[name]))
	}
	return strings.Join(pairs, ":")
}

// canonicalValue serializes a parameter value deterministically. Scalars use
// their natural text form; everything else goes through encoding/json, which
// sorts map keys.
func canonicalValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case nil:
		return "null"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// ValidateKey rejects empty keys and keys longer than maxLength before any
// network call is made. A violation is a caller bug, not a transient failure.
func ValidateKey(key string, maxLength int) error {
	if key == "" {
		return errors.InvalidKeyError("cache key must not be empty")
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}
	if len(key) > maxLength {
		return errors.InvalidKeyError(
			fmt.Sprintf("cache key exceeds maximum length %d", maxLength),
		).WithContext("length", len(key))
	}
	return nil
}

// CacheType derives the metrics bucket for a key: the segment before the
// first ":" ("task:123" counts under "task", list keys under "user").
func CacheType(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
