package daemon

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dbgcli/dbgd/internal/dbgerr"
	"github.com/dbgcli/dbgd/pkg/protocol"
)

const browserCallTimeout = flowCallTimeout

// cdpPassthrough issues one CDP method against the resolved session and
// flattens its raw JSON result object into the response.
func cdpPassthrough(ctx context.Context, d *Daemon, req protocol.Request, method string, params map[string]interface{}) (map[string]interface{}, error) {
	sess, err := resolveSession(d, req)
	if err != nil {
		return nil, err
	}
	raw, err := sess.Executor.Send(ctx, method, params, browserCallTimeout)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func cmdNavigate(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	url := strings.TrimSpace(req.Args)
	if url == "" {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "navigate requires a URL")
	}
	return cdpPassthrough(ctx, d, req, "Page.navigate", map[string]interface{}{"url": url})
}

func cmdScreenshot(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	return cdpPassthrough(ctx, d, req, "Page.captureScreenshot", map[string]interface{}{"format": "png"})
}

func cmdClick(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	selector := strings.TrimSpace(req.Args)
	if selector == "" {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "click requires a selector")
	}
	return cdpPassthrough(ctx, d, req, "Runtime.evaluate", map[string]interface{}{
		"expression": `document.querySelector(` + strconv.Quote(selector) + `).click()`,
	})
}

func cmdType(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	fields := strings.SplitN(req.Args, " ", 2)
	if len(fields) < 2 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "type requires <selector> <text>")
	}
	selector, text := fields[0], fields[1]
	expr := `(function(){var el=document.querySelector(` + strconv.Quote(selector) + `);` +
		`el.value=` + strconv.Quote(text) + `;` +
		`el.dispatchEvent(new Event('input',{bubbles:true}));})()`
	return cdpPassthrough(ctx, d, req, "Runtime.evaluate", map[string]interface{}{"expression": expr})
}

func cmdSelectOption(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	fields := strings.SplitN(req.Args, " ", 2)
	if len(fields) < 2 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "select requires <selector> <value>")
	}
	selector, value := fields[0], fields[1]
	expr := `(function(){var el=document.querySelector(` + strconv.Quote(selector) + `);` +
		`el.value=` + strconv.Quote(value) + `;` +
		`el.dispatchEvent(new Event('change',{bubbles:true}));})()`
	return cdpPassthrough(ctx, d, req, "Runtime.evaluate", map[string]interface{}{"expression": expr})
}

func cmdMock(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	fields := strings.Fields(req.Args)
	if len(fields) < 2 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "mock requires <urlPattern> <status> [body]")
	}
	pattern := fields[0]
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "mock status must be an integer")
	}
	body := ""
	if len(fields) > 2 {
		body = strings.Join(fields[2:], " ")
	}
	return cdpPassthrough(ctx, d, req, "Fetch.enable", map[string]interface{}{
		"urlPattern": pattern, "status": status, "body": body,
	})
}

func cmdUnmock(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	pattern := strings.TrimSpace(req.Args)
	return cdpPassthrough(ctx, d, req, "Fetch.disable", map[string]interface{}{"urlPattern": pattern})
}

func cmdEmulate(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	fields := strings.Fields(req.Args)
	if len(fields) < 2 {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "emulate requires <width> <height>")
	}
	width, werr := strconv.Atoi(fields[0])
	height, herr := strconv.Atoi(fields[1])
	if werr != nil || herr != nil {
		return nil, dbgerr.New(dbgerr.InvalidCommand, "emulate width/height must be integers")
	}
	return cdpPassthrough(ctx, d, req, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width": width, "height": height, "deviceScaleFactor": 1, "mobile": false,
	})
}

func cmdThrottle(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	profile := strings.TrimSpace(req.Args)
	var latencyMs, download, upload int
	switch profile {
	case "fast3g":
		latencyMs, download, upload = 150, 1_500_000/8, 750_000/8
	case "slow3g":
		latencyMs, download, upload = 400, 500_000/8, 500_000/8
	case "offline", "":
		return cdpPassthrough(ctx, d, req, "Network.emulateNetworkConditions", map[string]interface{}{
			"offline": true, "latency": 0, "downloadThroughput": 0, "uploadThroughput": 0,
		})
	default:
		return nil, dbgerr.New(dbgerr.InvalidCommand, "throttle requires fast3g|slow3g|offline")
	}
	return cdpPassthrough(ctx, d, req, "Network.emulateNetworkConditions", map[string]interface{}{
		"offline": false, "latency": latencyMs, "downloadThroughput": download, "uploadThroughput": upload,
	})
}

func cmdCoverage(ctx context.Context, d *Daemon, req protocol.Request) (map[string]interface{}, error) {
	mode := strings.TrimSpace(req.Args)
	switch mode {
	case "stop":
		jsOut, err := cdpPassthrough(ctx, d, req, "Profiler.takePreciseCoverage", nil)
		if err != nil {
			return nil, err
		}
		_, _ = cdpPassthrough(ctx, d, req, "Profiler.stopPreciseCoverage", nil)
		cssOut, err := cdpPassthrough(ctx, d, req, "CSS.stopRuleUsageTracking", nil)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"js": jsOut, "css": cssOut}, nil
	default:
		if _, err := cdpPassthrough(ctx, d, req, "Profiler.startPreciseCoverage", map[string]interface{}{
			"callCount": true, "detailed": true,
		}); err != nil {
			return nil, err
		}
		if _, err := cdpPassthrough(ctx, d, req, "CSS.startRuleUsageTracking", nil); err != nil {
			return nil, err
		}
		return map[string]interface{}{"started": true}, nil
	}
}
