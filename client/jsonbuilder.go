package client

import (
	"sort"

	"github.com/tidwall/sjson"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

// BuildCommandJSON returns the monitor command executing name with args.
func BuildCommandJSON(name string, args map[string]string) string {
	json := `{}`
	json, _ = sjson.Set(json, "execute", name)
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		json, _ = sjson.Set(json, "arguments."+escapePath(k), args[k])
	}
	return json
}

// BuildResultJSON renders command results as {"return":[{...},...]}.
func BuildResultJSON(results []protocol.Params) string {
	json := `{"return":[]}`
	for _, result := range results {
		obj := `{}`
		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj, _ = sjson.Set(obj, escapePath(k), result[k])
		}
		json, _ = sjson.SetRaw(json, "return.-1", obj)
	}
	return json
}

// BuildErrorJSON renders a failed command as {"error":{"class":..,"desc":..}}.
func BuildErrorJSON(code protocol.ErrorCode, message string) string {
	json := `{}`
	json, _ = sjson.Set(json, "error.class", code.String())
	json, _ = sjson.Set(json, "error.code", int(code))
	json, _ = sjson.Set(json, "error.desc", message)
	return json
}

// BuildEventJSON renders a monitor event.
func BuildEventJSON(name string, data map[string]interface{}, seconds, micros int64) string {
	json := `{}`
	json, _ = sjson.Set(json, "event", name)
	if len(data) > 0 {
		json, _ = sjson.Set(json, "data", data)
	}
	json, _ = sjson.Set(json, "timestamp.seconds", seconds)
	json, _ = sjson.Set(json, "timestamp.microseconds", micros)
	return json
}

// escapePath escapes sjson path metacharacters in a parameter name.
func escapePath(key string) string {
	var out []byte
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
