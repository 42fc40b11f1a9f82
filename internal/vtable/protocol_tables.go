package vtable

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/internal/query"
	"github.com/dbgcli/dbgd/internal/state"
)

func protocolTables(d Deps) []query.Table {
	return []query.Table{
		&propsTable{d},
		&protoTable{d},
		&sourceTable{d},
		&listenersTable{d},
		&domTable{d},
		&stylesTable{d},
		&cookiesTable{d},
		&performanceTable{d},
		&storageTable{d},
		&networkBodyTable{d},
		&networkHeadersTable{d},
	}
}

func likeMatch(pattern, s string) bool {
	quoted := strings.ReplaceAll(regexp.QuoteMeta(pattern), "%", ".*")
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// --- props -----------------------------------------------------------------

type propsTable struct{ d Deps }

func (t *propsTable) Name() string              { return "props" }
func (t *propsTable) RequiredFilters() []string { return []string{"object_id"} }

func (t *propsTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"object_id", "name", "value"}
	objectID, _ := requireFilterString(where, "object_id")

	raw, err := sendJSON(ctx, t.d, "Runtime.getProperties", map[string]interface{}{
		"objectId":      objectID,
		"ownProperties": true,
	})
	if err != nil {
		return nil, nil, err
	}
	props, err := parseProperties(raw)
	if err != nil {
		return nil, nil, err
	}
	rows := make([][]interface{}, 0, len(props))
	for _, p := range props {
		rows = append(rows, rowsOf(objectID, p.Name, p.Value))
	}
	return columns, rows, nil
}

// --- proto -----------------------------------------------------------------

// protoTable walks [[Prototype]] internal properties until a null subtype
// (spec §4.8).
type protoTable struct{ d Deps }

func (t *protoTable) Name() string              { return "proto" }
func (t *protoTable) RequiredFilters() []string { return []string{"object_id"} }

func (t *protoTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"object_id", "depth", "class_name"}
	objectID, _ := requireFilterString(where, "object_id")

	var rows [][]interface{}
	currentID := objectID
	for depth := 0; currentID != "" && depth < 32; depth++ {
		raw, err := sendJSON(ctx, t.d, "Runtime.getProperties", map[string]interface{}{
			"objectId":               currentID,
			"ownProperties":          false,
			"accessorPropertiesOnly": false,
		})
		if err != nil {
			return nil, nil, err
		}
		var parsed struct {
			InternalProperties []struct {
				Name  string           `json:"name"`
				Value remoteObjectView `json:"value"`
			} `json:"internalProperties"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, nil, fmt.Errorf("vtable: decode proto chain: %w", err)
		}

		var next remoteObjectView
		found := false
		for _, p := range parsed.InternalProperties {
			if p.Name == "[[Prototype]]" {
				next, found = p.Value, true
				break
			}
		}
		if !found || next.Subtype == "null" {
			break
		}
		rows = append(rows, rowsOf(objectID, depth+1, next.ClassName))
		currentID = next.ObjectID
	}
	return columns, rows, nil
}

// --- source ------------------------------------------------------------

// sourceTable requires `file` or `script_id` (a one-of requirement the
// registry's all-required-present contract can't express, so it is
// validated here instead of via RequiredFilters). `file` supports LIKE
// against known scripts (spec §4.8).
type sourceTable struct{ d Deps }

func (t *sourceTable) Name() string              { return "source" }
func (t *sourceTable) RequiredFilters() []string { return nil }

func (t *sourceTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"script_id", "file", "line", "text"}

	scriptID, hasScriptID := requireFilterString(where, "script_id")
	filePattern, hasFile := requireFilterString(where, "file")
	if !hasScriptID && !hasFile {
		return nil, nil, dbgerr.New(dbgerr.MissingRequiredFilter, `table "source" requires filter "file" or "script_id"`)
	}

	file := filePattern
	if !hasScriptID {
		isLike := strings.Contains(filePattern, "%")
		info, ok := resolveScriptByFile(t.d.State, filePattern, isLike)
		if !ok {
			return columns, nil, nil
		}
		scriptID, file = info.ID, info.File
	} else {
		file = resolveFileByScriptID(t.d.State, scriptID)
	}

	raw, err := sendJSON(ctx, t.d, "Debugger.getScriptSource", map[string]interface{}{"scriptId": scriptID})
	if err != nil {
		return nil, nil, err
	}
	content, err := parseSource(raw)
	if err != nil {
		return nil, nil, err
	}

	lines := strings.Split(content, "\n")
	rows := make([][]interface{}, 0, len(lines))
	for i, line := range lines {
		rows = append(rows, rowsOf(scriptID, file, i+1, line))
	}
	return columns, rows, nil
}

func resolveFileByScriptID(st *state.DebuggerState, scriptID string) string {
	var file string
	st.View(func(s *state.DebuggerState) {
		if info, ok := s.Scripts[scriptID]; ok {
			file = info.File
		}
	})
	return file
}

func resolveScriptByFile(st *state.DebuggerState, pattern string, isLike bool) (state.ScriptInfo, bool) {
	var result state.ScriptInfo
	var ok bool
	st.View(func(s *state.DebuggerState) {
		for _, info := range s.Scripts {
			match := info.File == pattern
			if isLike {
				match = likeMatch(pattern, info.File)
			}
			if match {
				result, ok = info, true
				break
			}
		}
	})
	return result, ok
}

func parseSource(raw []byte) (string, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("vtable: decode source response: %w", err)
	}
	for _, key := range []string{"scriptSource", "content"} {
		if v, ok := probe[key]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				return s, nil
			}
		}
	}
	return "", nil
}

// --- listeners ---------------------------------------------------------

type listenersTable struct{ d Deps }

func (t *listenersTable) Name() string              { return "listeners" }
func (t *listenersTable) RequiredFilters() []string { return []string{"object_id"} }

func (t *listenersTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"object_id", "type", "use_capture", "passive", "once", "script_id", "line", "column"}
	objectID, _ := requireFilterString(where, "object_id")

	raw, err := sendJSON(ctx, t.d, "DOMDebugger.getEventListeners", map[string]interface{}{"objectId": objectID})
	if err != nil {
		return nil, nil, err
	}
	var parsed struct {
		Listeners []struct {
			Type         string `json:"type"`
			UseCapture   bool   `json:"useCapture"`
			Passive      bool   `json:"passive"`
			Once         bool   `json:"once"`
			ScriptID     string `json:"scriptId"`
			LineNumber   int    `json:"lineNumber"`
			ColumnNumber int    `json:"columnNumber"`
		} `json:"listeners"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode event listeners: %w", err)
	}
	rows := make([][]interface{}, 0, len(parsed.Listeners))
	for _, l := range parsed.Listeners {
		rows = append(rows, rowsOf(objectID, l.Type, l.UseCapture, l.Passive, l.Once, l.ScriptID, l.LineNumber, l.ColumnNumber))
	}
	return columns, rows, nil
}

// --- dom -----------------------------------------------------------------

// domTable runs DOM.getDocument → DOM.querySelectorAll → per-node
// DOM.describeNode and a Runtime.callFunctionOn text preview (spec §4.8).
type domTable struct{ d Deps }

func (t *domTable) Name() string              { return "dom" }
func (t *domTable) RequiredFilters() []string { return []string{"selector"} }

func (t *domTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"selector", "node_id", "tag", "text"}
	selector, _ := requireFilterString(where, "selector")

	docRaw, err := sendJSON(ctx, t.d, "DOM.getDocument", map[string]interface{}{})
	if err != nil {
		return nil, nil, err
	}
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(docRaw, &doc); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode getDocument: %w", err)
	}

	qsaRaw, err := sendJSON(ctx, t.d, "DOM.querySelectorAll", map[string]interface{}{
		"nodeId":   doc.Root.NodeID,
		"selector": selector,
	})
	if err != nil {
		return nil, nil, err
	}
	var qsa struct {
		NodeIDs []int `json:"nodeIds"`
	}
	if err := json.Unmarshal(qsaRaw, &qsa); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode querySelectorAll: %w", err)
	}

	rows := make([][]interface{}, 0, len(qsa.NodeIDs))
	for _, nodeID := range qsa.NodeIDs {
		tag := ""
		if descRaw, err := sendJSON(ctx, t.d, "DOM.describeNode", map[string]interface{}{"nodeId": nodeID}); err == nil {
			var desc struct {
				Node struct {
					NodeName string `json:"nodeName"`
				} `json:"node"`
			}
			_ = json.Unmarshal(descRaw, &desc)
			tag = desc.Node.NodeName
		}

		text := ""
		if resolveRaw, err := sendJSON(ctx, t.d, "DOM.resolveNode", map[string]interface{}{"nodeId": nodeID}); err == nil {
			var resolved struct {
				Object struct {
					ObjectID string `json:"objectId"`
				} `json:"object"`
			}
			if err := json.Unmarshal(resolveRaw, &resolved); err == nil && resolved.Object.ObjectID != "" {
				if callRaw, err := sendJSON(ctx, t.d, "Runtime.callFunctionOn", map[string]interface{}{
					"objectId":            resolved.Object.ObjectID,
					"functionDeclaration": "function(){return this.textContent}",
					"returnByValue":       true,
				}); err == nil {
					var result struct {
						Result struct {
							Value string `json:"value"`
						} `json:"result"`
					}
					_ = json.Unmarshal(callRaw, &result)
					text = result.Result.Value
				}
			}
		}

		rows = append(rows, rowsOf(selector, nodeID, tag, text))
	}
	return columns, rows, nil
}

// --- styles --------------------------------------------------------------

type stylesTable struct{ d Deps }

func (t *stylesTable) Name() string              { return "styles" }
func (t *stylesTable) RequiredFilters() []string { return []string{"node_id"} }

func (t *stylesTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"node_id", "name", "value"}
	nodeIDStr, _ := requireFilterString(where, "node_id")

	raw, err := sendJSON(ctx, t.d, "CSS.getComputedStyleForNode", map[string]interface{}{"nodeId": nodeIDStr})
	if err != nil {
		return nil, nil, err
	}
	var parsed struct {
		ComputedStyle []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"computedStyle"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode computed style: %w", err)
	}
	rows := make([][]interface{}, 0, len(parsed.ComputedStyle))
	for _, p := range parsed.ComputedStyle {
		rows = append(rows, rowsOf(nodeIDStr, p.Name, p.Value))
	}
	return columns, rows, nil
}

// --- cookies -----------------------------------------------------------

type cookiesTable struct{ d Deps }

func (t *cookiesTable) Name() string              { return "cookies" }
func (t *cookiesTable) RequiredFilters() []string { return nil }

func (t *cookiesTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"name", "value", "domain", "path", "expires", "http_only", "secure", "same_site"}
	raw, err := sendJSON(ctx, t.d, "Network.getCookies", map[string]interface{}{})
	if err != nil {
		return nil, nil, err
	}
	var parsed struct {
		Cookies []struct {
			Name     string  `json:"name"`
			Value    string  `json:"value"`
			Domain   string  `json:"domain"`
			Path     string  `json:"path"`
			Expires  float64 `json:"expires"`
			HTTPOnly bool    `json:"httpOnly"`
			Secure   bool    `json:"secure"`
			SameSite string  `json:"sameSite"`
		} `json:"cookies"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode cookies: %w", err)
	}
	rows := make([][]interface{}, 0, len(parsed.Cookies))
	for _, c := range parsed.Cookies {
		rows = append(rows, rowsOf(c.Name, c.Value, c.Domain, c.Path, c.Expires, c.HTTPOnly, c.Secure, c.SameSite))
	}
	return columns, rows, nil
}

// --- performance -------------------------------------------------------

type performanceTable struct{ d Deps }

func (t *performanceTable) Name() string              { return "performance" }
func (t *performanceTable) RequiredFilters() []string { return nil }

func (t *performanceTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"name", "value"}
	raw, err := sendJSON(ctx, t.d, "Performance.getMetrics", map[string]interface{}{})
	if err != nil {
		return nil, nil, err
	}
	var parsed struct {
		Metrics []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode performance metrics: %w", err)
	}
	rows := make([][]interface{}, 0, len(parsed.Metrics))
	for _, m := range parsed.Metrics {
		rows = append(rows, rowsOf(m.Name, m.Value))
	}
	return columns, rows, nil
}

// --- storage -------------------------------------------------------------

// storageTable requires type ∈ {local, session} and reads the corresponding
// Web Storage object via a single Runtime.evaluate call (spec §4.8).
type storageTable struct{ d Deps }

func (t *storageTable) Name() string              { return "storage" }
func (t *storageTable) RequiredFilters() []string { return []string{"type"} }

func (t *storageTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"type", "key", "value"}
	kind, _ := requireFilterString(where, "type")
	if kind != "local" && kind != "session" {
		return nil, nil, dbgerr.New(dbgerr.MissingRequiredFilter, `table "storage" requires filter "type" to be "local" or "session"`)
	}

	expression := fmt.Sprintf("JSON.stringify(Object.entries(window.%sStorage))", kind)
	raw, err := sendJSON(ctx, t.d, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, nil, err
	}
	jsonStr, err := parseEvalResult(raw)
	if err != nil {
		return nil, nil, err
	}
	var pairs [][2]string
	if err := json.Unmarshal([]byte(jsonStr), &pairs); err != nil {
		return columns, nil, nil
	}
	rows := make([][]interface{}, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, rowsOf(kind, p[0], p[1]))
	}
	return columns, rows, nil
}

// --- network_body --------------------------------------------------------

type networkBodyTable struct{ d Deps }

func (t *networkBodyTable) Name() string              { return "network_body" }
func (t *networkBodyTable) RequiredFilters() []string { return []string{"request_id"} }

func (t *networkBodyTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"request_id", "body", "base64_encoded"}
	requestID, _ := requireFilterString(where, "request_id")

	raw, err := sendJSON(ctx, t.d, "Network.getResponseBody", map[string]interface{}{"requestId": requestID})
	if err != nil {
		return nil, nil, err
	}
	var parsed struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, fmt.Errorf("vtable: decode response body: %w", err)
	}
	return columns, [][]interface{}{rowsOf(requestID, parsed.Body, parsed.Base64Encoded)}, nil
}

// --- network_headers -----------------------------------------------------

// networkHeadersTable requires request_id. CDP has no synchronous
// "get headers for requestId" call — only the Network.responseReceived
// event carries them — so these are served from the copy captured off the
// wire in CDPState.Requests rather than issuing a redundant live request.
type networkHeadersTable struct{ d Deps }

func (t *networkHeadersTable) Name() string              { return "network_headers" }
func (t *networkHeadersTable) RequiredFilters() []string { return []string{"request_id"} }

func (t *networkHeadersTable) Fetch(ctx context.Context, where query.Expr) ([]string, [][]interface{}, error) {
	columns := []string{"request_id", "name", "value"}
	requestID, _ := requireFilterString(where, "request_id")

	var rows [][]interface{}
	t.d.State.View(func(s *state.DebuggerState) {
		if s.CDP == nil {
			return
		}
		r, ok := s.CDP.Requests[requestID]
		if !ok {
			return
		}
		for name, value := range r.Headers {
			rows = append(rows, rowsOf(requestID, name, value))
		}
	})
	return columns, rows, nil
}
