package sdk

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// WrapHTTPClient returns an http.Client whose every request is routed
// through the gating proxy and metered against metricName. A breached
// limit surfaces as a synthesized 402 response; the request never
// leaves TrackTags.
//
//	gated := sdk.WrapHTTPClient(client, "llm_tokens", http.DefaultClient)
//	resp, err := gated.Post("https://api.openai.com/v1/chat/completions", ...)
func WrapHTTPClient(client *Client, metricName string, wrapped *http.Client) *http.Client {
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &gatedTransport{
			client:     client,
			metricName: metricName,
		},
	}
}

type gatedTransport struct {
	client     *Client
	metricName string
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	call := GuardCall{
		MetricName: t.metricName,
		TargetURL:  req.URL.String(),
		Method:     req.Method,
		Headers:    flattenHeaders(req.Header),
	}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		call.Body = string(body)
	}

	result, err := t.client.Guard(req.Context(), call)
	if err != nil {
		return nil, err
	}
	if !result.Allowed() {
		return deniedResponse(req, result), nil
	}
	if result.ForwardedResponse == nil {
		return nil, fmt.Errorf("tracktags-sdk: gate allowed but no upstream response")
	}
	return synthesize(req, result.ForwardedResponse.StatusCode,
		result.ForwardedResponse.Body, nil), nil
}

func deniedResponse(req *http.Request, result *GuardResult) *http.Response {
	headers := http.Header{}
	if result.RetryAfter > 0 {
		headers.Set("Retry-After", strconv.Itoa(result.RetryAfter))
	}
	return synthesize(req, http.StatusPaymentRequired, result.Error, headers)
}

func synthesize(req *http.Request, code int, body string, headers http.Header) *http.Response {
	if headers == nil {
		headers = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}
