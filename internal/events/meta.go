package events

import (
	"encoding/json"
	"strings"
)

type metaField struct {
	key   string
	value any
}

// buildMeta merges defaults into the caller's JSON object. Keys already
// present in extra always win; nil defaults are skipped. An unparsable extra
// is replaced by an empty object. Returns "" when nothing remains.
func buildMeta(extra string, defaults []metaField) string {
	meta := map[string]any{}
	if s := strings.TrimSpace(extra); s != "" {
		if err := json.Unmarshal([]byte(s), &meta); err != nil || meta == nil {
			meta = map[string]any{}
		}
	}
	for _, f := range defaults {
		if isNil(f.value) {
			continue
		}
		if _, ok := meta[f.key]; ok {
			continue
		}
		meta[f.key] = f.value
	}
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

func isNil(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case *int:
		return x == nil
	case *bool:
		return x == nil
	case string:
		return x == ""
	}
	return false
}
