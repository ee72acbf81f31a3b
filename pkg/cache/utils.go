package cache

import "net/url"

// GenerateKeyFromMap builds prefix:<query-escaped params sorted by name>.
func GenerateKeyFromMap(prefix string, params map[string]string) string {
	v := make(url.Values, len(params))
	for k, val := range params {
		v.Set(k, val)
	}
	return prefix + ":" + v.Encode()
}
