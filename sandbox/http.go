package sandbox

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dop251/goja"
)

// maxResponseSize caps bodies handed back to scripts.
const maxResponseSize = 8 << 20

type httpRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

type httpResponse struct {
	Status     int
	StatusText string
	Body       string
	Headers    http.Header
	Err        error
}

// startRequest performs req off the loop and delivers the response to cb
// on the loop, shaped like a completed XMLHttpRequest.
func (v *VM) startRequest(rt *goja.Runtime, req httpRequest, cb goja.Callable) {
	base := v.doc.BaseURL
	go func() {
		resp := v.do(base, req)
		v.enqueueFor(rt, func() {
			if _, err := cb(goja.Undefined(), xhrObject(rt, resp)); err != nil {
				v.host.ConsoleMessage("Uncaught "+err.Error(), 0, v.doc.Path)
			}
		})
	}()
}

func (v *VM) do(base string, req httpRequest) httpResponse {
	target, err := resolveURL(base, req.URL)
	if err != nil {
		return httpResponse{Err: err}
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(v.ctx, strings.ToUpper(req.Method), target, body)
	if err != nil {
		return httpResponse{Err: err}
	}
	for k, val := range req.Headers {
		httpReq.Header.Set(k, val)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return httpResponse{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return httpResponse{Err: err}
	}
	return httpResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       string(data),
		Headers:    resp.Header,
	}
}

// resolveURL resolves ref against base and allows only http(s) targets.
func resolveURL(base, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if !u.IsAbs() && base != "" {
		b, err := url.Parse(base)
		if err == nil {
			u = b.ResolveReference(u)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func xhrObject(rt *goja.Runtime, resp httpResponse) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("readyState", 4)
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("responseText", resp.Body)
	if resp.Err != nil {
		_ = obj.Set("error", resp.Err.Error())
	}
	_ = obj.Set("getResponseHeader", func(call goja.FunctionCall) goja.Value {
		if resp.Headers == nil {
			return goja.Null()
		}
		val := resp.Headers.Get(call.Argument(0).String())
		if val == "" {
			return goja.Null()
		}
		return rt.ToValue(val)
	})
	return obj
}
