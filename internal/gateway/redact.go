package gateway

import "encoding/json"

const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]bool{
	"encrypted":     true,
	"security_code": true,
}

// Redact returns body with every card secret replaced by Redacted. Bodies
// that are not JSON are dropped entirely.
func Redact(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return Redacted
	}
	out, err := json.Marshal(redact(v))
	if err != nil {
		return Redacted
	}
	return string(out)
}

func redact(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if sensitiveKeys[k] {
				x[k] = Redacted
				continue
			}
			x[k] = redact(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = redact(x[i])
		}
		return x
	}
	return v
}
