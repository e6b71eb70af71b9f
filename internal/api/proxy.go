package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tracktags/tracktags/internal/actors"
	"github.com/tracktags/tracktags/internal/circuitbreaker"
	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/errs"
	"github.com/tracktags/tracktags/internal/ticker"
)

// proxyRequest is the gating proxy input.
type proxyRequest struct {
	Scope      string            `json:"scope,omitempty"`
	MetricName string            `json:"metric_name"`
	TargetURL  string            `json:"target_url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// proxyResponse wraps the gate verdict and, when forwarded, the
// upstream result.
type proxyResponse struct {
	Status            string             `json:"status"` // allowed | denied
	BreachStatus      core.BreachStatus  `json:"breach_status"`
	ForwardedResponse *forwardedResponse `json:"forwarded_response,omitempty"`
	Error             string             `json:"error,omitempty"`
	RetryAfter        int                `json:"retry_after,omitempty"` // seconds
}

type forwardedResponse struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// proxyMeter is the metric-actor slice the proxy uses. Narrowed so
// tests can gate against a stub.
type proxyMeter interface {
	Increment(value float64) (float64, core.BreachStatus, error)
	Definition() core.MetricDefinition
}

const maxProxyBody = 1 << 20 // upstream bodies echoed back, capped at 1 MiB

// handleProxy gates one upstream call on a metric's limit. Quota is
// consumed only after the upstream call succeeds; a denied call never
// reaches the upstream at all.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Admin {
		writeError(w, errs.ErrUnauthorized)
		return
	}

	var req proxyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MetricName == "" {
		writeError(w, errs.Validationf("metric_name", "must not be empty"))
		return
	}
	target, err := url.Parse(req.TargetURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		writeError(w, errs.Validationf("target_url", "must be an absolute URL"))
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !p.IsCustomer() && req.Scope == string(core.ScopeCustomer) {
		writeError(w, errs.Validationf("scope", "customer scope needs a customer key"))
		return
	}
	account := core.AccountID{BusinessID: p.BusinessID, CustomerID: p.CustomerID}

	actor, err := s.metricActorFor(r, account, req.MetricName)
	if err != nil {
		// A metric with no definition is not metered: forward as-is.
		if errs.IsNotFound(err) {
			s.forwardAndRespond(w, r.Context(), account, &req, nil, core.BreachStatus{})
			return
		}
		writeError(w, err)
		return
	}

	snap, err := actor.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}

	if snap.Limit != nil && snap.BreachStatus.IsBreached && snap.Limit.Action == core.ActionDeny {
		// No forward, no increment.
		writeJSON(w, http.StatusPaymentRequired, proxyResponse{
			Status:       "denied",
			BreachStatus: snap.BreachStatus,
			Error:        "limit breached",
			RetryAfter:   retryAfterSeconds(actor.Definition()),
		})
		return
	}

	// Every other action keeps traffic flowing; webhook and log fired on
	// the breach edge inside the actor.
	after := s.forwardAndRespond(w, r.Context(), account, &req, actor, snap.BreachStatus)
	if after != nil && snap.Limit != nil && snap.Limit.Action == core.ActionAllowOverage {
		if item := overageItem(snap, after.CurrentUsage); item != "" {
			go s.reportOverage(account.BusinessID, item)
		}
	}
}

// forwardAndRespond calls the upstream through the per-business breaker
// and increments the metric only on upstream success. It returns the
// post-increment breach status, or nil when no quota was consumed.
func (s *Server) forwardAndRespond(w http.ResponseWriter, ctx context.Context, account core.AccountID, req *proxyRequest, actor proxyMeter, status core.BreachStatus) *core.BreachStatus {
	upstream, err := s.forward(ctx, account.BusinessID, req)
	if err != nil {
		writeJSON(w, errs.HTTPStatus(err), proxyResponse{
			Status:       "allowed",
			BreachStatus: status,
			Error:        "upstream call failed",
		})
		return nil
	}

	resp := proxyResponse{
		Status:            "allowed",
		BreachStatus:      status,
		ForwardedResponse: upstream,
	}

	// Non-2xx upstream responses pass through without consuming quota.
	var consumed *core.BreachStatus
	if actor != nil && upstream.StatusCode >= 200 && upstream.StatusCode < 300 {
		if _, after, err := actor.Increment(1); err == nil {
			resp.BreachStatus = after
			consumed = &after
		} else {
			s.logger.Printf("⚠️ post-forward increment for %s: %v", account, err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return consumed
}

// forward performs the actual upstream call.
func (s *Server) forward(ctx context.Context, businessID string, req *proxyRequest) (*forwardedResponse, error) {
	breaker := s.breakers.GetOrCreate("upstream:"+businessID, circuitbreaker.UpstreamConfig(businessID))

	result, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.TargetURL, strings.NewReader(req.Body))
		if err != nil {
			return nil, errs.Validationf("target_url", "%v", err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := s.proxy.Do(httpReq)
		if err != nil {
			return nil, errs.ErrUpstreamFailed
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxProxyBody))
		if err != nil {
			return nil, errs.ErrUpstreamFailed
		}
		return &forwardedResponse{StatusCode: httpResp.StatusCode, Body: string(body)}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*forwardedResponse), nil
}

// overageItem returns the subscription item to bill one overage unit
// against: the call's post-increment value sits past the limit and has
// reached the absolute reporting threshold. One unit per allowed call
// past the limit keeps reported units equal to final_value - limit over
// a window.
func overageItem(snap actors.Snapshot, post float64) string {
	if snap.Adapters == nil || snap.Adapters.Stripe == nil || snap.Limit == nil {
		return ""
	}
	st := snap.Adapters.Stripe
	if st.SubscriptionItemID == "" {
		return ""
	}
	if post <= snap.Limit.Value || post < st.OverageThreshold {
		return ""
	}
	return st.SubscriptionItemID
}

// reportOverage is fire-and-forget; a lost report is reconciled at
// invoice time.
func (s *Server) reportOverage(businessID, subscriptionItemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.processor.ReportOverage(ctx, businessID, subscriptionItemID, 1); err != nil {
		s.logger.Printf("⚠️ overage report for %s/%s: %v", businessID, subscriptionItemID, err)
	}
}

// retryAfterSeconds estimates when the window resets: the metric's next
// flush boundary. Zero when the interval never resets the value.
func retryAfterSeconds(def core.MetricDefinition) int {
	if def.MetricType != core.MetricReset {
		return 0
	}
	boundary, err := ticker.NextBoundary(def.FlushInterval, time.Now().UTC())
	if err != nil {
		return 0
	}
	secs := int(time.Until(boundary).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
