package cryptoutil

import (
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canonical encodes v as byte-deterministic JSON: object keys sorted, no
// insignificant whitespace (spec §6, "Ledger record canonical encoding MUST
// be byte-deterministic"). v must already be JSON-marshalable into a value
// whose map keys are strings; nested maps are re-sorted recursively.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalMarshal(generic)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalMarshal(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := canonicalMarshal(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(t)
	}
}

// DigestHex returns the hex-encoded SHA-256 digest of v's canonical encoding.
func DigestHex(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Hash256(canon)), nil
}
