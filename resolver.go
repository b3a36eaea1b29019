package balanced

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/xraph/balanced/job"
)

// DefaultPartition is used when no resolution step yields a key.
const DefaultPartition = "default"

// PartitionResolver derives a partition key from a payload. Return
// ok=false to fall through to the next resolution step.
type PartitionResolver func(payload any) (key string, ok bool)

// conventionalFields are checked, in order, on map-shaped payloads when no
// explicit key was supplied.
var conventionalFields = []string{"userId", "user_id", "tenantId", "tenant_id"}

// unwrapper is satisfied by job.WithPartition wrappers.
type unwrapper interface {
	Value() any
}

// resolvePartition walks the resolution chain: explicit override, the
// payload's own PartitionKey capability, the configured resolver, the
// conventional tenant fields, then the literal default.
func (b *Broker) resolvePartition(payload any, override string) string {
	if override != "" {
		return override
	}
	if pk, ok := payload.(job.PartitionKeyer); ok {
		if k := pk.PartitionKey(); k != "" {
			return k
		}
	}
	if b.resolver != nil {
		if k, ok := b.resolver(payload); ok && k != "" {
			return k
		}
	}
	if k, ok := conventionalKey(payload); ok {
		return k
	}
	return DefaultPartition
}

// conventionalKey looks for a tenant id under the conventional field names.
// Only key lookups on map-shaped payloads; no struct introspection.
func conventionalKey(payload any) (string, bool) {
	if u, ok := payload.(unwrapper); ok {
		payload = u.Value()
	}

	var m map[string]any
	switch v := payload.(type) {
	case map[string]any:
		m = v
	case map[string]string:
		m = make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
	case json.RawMessage:
		if json.Unmarshal(v, &m) != nil {
			return "", false
		}
	case []byte:
		if json.Unmarshal(v, &m) != nil {
			return "", false
		}
	case string:
		if json.Unmarshal([]byte(v), &m) != nil {
			return "", false
		}
	default:
		return "", false
	}

	for _, field := range conventionalFields {
		if raw, ok := m[field]; ok {
			if k, ok := stringifyKey(raw); ok {
				return k, true
			}
		}
	}
	return "", false
}

// stringifyKey renders a partition key value as the exact string the KV
// stores. Numeric tenant ids survive as their decimal form.
func stringifyKey(v any) (string, bool) {
	switch k := v.(type) {
	case string:
		return k, k != ""
	case int:
		return strconv.Itoa(k), true
	case int64:
		return strconv.FormatInt(k, 10), true
	case float64:
		if k == math.Trunc(k) {
			return strconv.FormatInt(int64(k), 10), true
		}
		return strconv.FormatFloat(k, 'f', -1, 64), true
	default:
		return "", false
	}
}

// encodePayload renders the pushed value to the string the KV stores.
// Strings and byte slices pass through verbatim; anything else is JSON.
func encodePayload(payload any) (string, error) {
	if u, ok := payload.(unwrapper); ok {
		payload = u.Value()
	}

	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadEncoding, err)
	}
	return string(data), nil
}
