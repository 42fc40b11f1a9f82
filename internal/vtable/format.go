package vtable

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// remoteObjectView decodes enough of CDP's RemoteObject shape to format a
// property/variable value per spec §4.8: "value" or "[ClassName]" or
// "[Function: name]".
type remoteObjectView struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	ClassName   string          `json:"className"`
	Description string          `json:"description"`
	ObjectID    string          `json:"objectId"`
	Value       json.RawMessage `json:"value"`
}

var functionNameRe = regexp.MustCompile(`^function\s*([A-Za-z_$][\w$]*)?\s*\(`)

// formatRemoteObject renders one CDP RemoteObject the way `vars`, `this`,
// and `props` display it.
func formatRemoteObject(v remoteObjectView) string {
	switch v.Type {
	case "function":
		if m := functionNameRe.FindStringSubmatch(v.Description); m != nil {
			name := m[1]
			if name == "" {
				name = "anonymous"
			}
			return fmt.Sprintf("[Function: %s]", name)
		}
		return "[Function: anonymous]"
	case "object":
		switch {
		case v.Subtype == "null":
			return "null"
		case v.ClassName != "":
			return fmt.Sprintf("[%s]", v.ClassName)
		case v.Description != "":
			return v.Description
		default:
			return "[Object]"
		}
	case "undefined":
		return "undefined"
	default:
		if len(v.Value) > 0 {
			var raw interface{}
			if err := json.Unmarshal(v.Value, &raw); err == nil {
				if s, ok := raw.(string); ok {
					return s
				}
				return fmt.Sprintf("%v", raw)
			}
		}
		if v.Description != "" {
			return v.Description
		}
		return v.Type
	}
}

// propRow is one property/variable row, already formatted, regardless of
// whether it came from CDP's getProperties or DAP's variables translation.
type propRow struct {
	Name  string
	Value string
}

// parseProperties decodes either CDP's `{result: [{name, value}]}` or DAP's
// `{variables: [{name, value}]}` response shape (spec §4.3's
// Runtime.getProperties → "variables" verb translation means callers of
// Executor.Send never know which one they'll get back).
func parseProperties(raw []byte) ([]propRow, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("vtable: decode properties response: %w", err)
	}

	if resultRaw, ok := probe["result"]; ok {
		var result []struct {
			Name  string           `json:"name"`
			Value remoteObjectView `json:"value"`
		}
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return nil, fmt.Errorf("vtable: decode CDP result: %w", err)
		}
		out := make([]propRow, 0, len(result))
		for _, r := range result {
			out = append(out, propRow{Name: r.Name, Value: formatRemoteObject(r.Value)})
		}
		return out, nil
	}

	if varsRaw, ok := probe["variables"]; ok {
		var vars []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(varsRaw, &vars); err != nil {
			return nil, fmt.Errorf("vtable: decode DAP variables: %w", err)
		}
		out := make([]propRow, 0, len(vars))
		for _, v := range vars {
			out = append(out, propRow{Name: v.Name, Value: v.Value})
		}
		return out, nil
	}

	return nil, nil
}

// parseEvalResult decodes either CDP's `{result: RemoteObject}` or DAP's
// `{result: "<string>"}` evaluate response shape.
func parseEvalResult(raw []byte) (string, error) {
	var probe struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("vtable: decode evaluate response: %w", err)
	}

	var robj remoteObjectView
	if err := json.Unmarshal(probe.Result, &robj); err == nil && (robj.Type != "" || len(robj.Value) > 0) {
		return formatRemoteObject(robj), nil
	}

	var s string
	if err := json.Unmarshal(probe.Result, &s); err == nil {
		return s, nil
	}
	return string(probe.Result), nil
}
