package sdk

// Gate verdicts returned by Guard.
const (
	StatusAllowed = "allowed"
	StatusDenied  = "denied"
)

// BreachStatus mirrors the service's limit evaluation payload.
type BreachStatus struct {
	IsBreached   bool     `json:"is_breached"`
	CurrentUsage float64  `json:"current_usage"`
	LimitValue   float64  `json:"limit_value"`
	Remaining    *float64 `json:"remaining,omitempty"`
	BreachAction string   `json:"breach_action,omitempty"`
}

// MetricValue is the result of an increment or read.
type MetricValue struct {
	MetricName   string       `json:"metric_name"`
	CurrentValue float64      `json:"current_value"`
	MetricType   string       `json:"metric_type,omitempty"`
	BreachStatus BreachStatus `json:"breach_status"`
}

// GuardCall describes one upstream request to route through the gating
// proxy. MetricName and TargetURL are required; Method defaults to GET.
type GuardCall struct {
	Scope      string            `json:"scope,omitempty"`
	MetricName string            `json:"metric_name"`
	TargetURL  string            `json:"target_url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// GuardResult is the gate's verdict plus, when the call was forwarded,
// the upstream's response.
type GuardResult struct {
	Status            string        `json:"status"`
	BreachStatus      BreachStatus  `json:"breach_status"`
	ForwardedResponse *UpstreamBody `json:"forwarded_response,omitempty"`
	Error             string        `json:"error,omitempty"`
	RetryAfter        int           `json:"retry_after,omitempty"` // seconds
}

// Allowed reports whether the gate let the call through.
func (r *GuardResult) Allowed() bool { return r.Status == StatusAllowed }

// UpstreamBody carries the forwarded upstream response.
type UpstreamBody struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// apiError is the service's error envelope.
type apiError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
