package actors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/monitoring"
)

const (
	fanoutTimeout     = 10 * time.Second
	fanoutPerBusiness = 4 // concurrent deliveries per business
	fanoutAttempts    = 3
)

// BreachNotification is the JSON body posted to configured webhook URLs
// when a limit crosses its edge.
type BreachNotification struct {
	Event        string            `json:"event"` // "limit.breached" | "limit.recovered"
	BusinessID   string            `json:"business_id"`
	CustomerID   string            `json:"customer_id,omitempty"`
	MetricName   string            `json:"metric_name"`
	BreachStatus core.BreachStatus `json:"breach_status"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// WebhookFanout delivers breach notifications fire-and-forget, with
// bounded concurrency per business so one tenant with fifty URLs cannot
// starve the rest.
type WebhookFanout struct {
	client  *http.Client
	logger  *log.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	slots map[string]chan struct{} // businessID -> semaphore
}

func NewWebhookFanout(metrics *monitoring.Metrics) *WebhookFanout {
	return &WebhookFanout{
		client:  &http.Client{Timeout: fanoutTimeout},
		logger:  log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		metrics: metrics,
		slots:   make(map[string]chan struct{}),
	}
}

// Deliver posts the notification to every URL. It returns immediately;
// failures are retried with attempt-squared backoff and then dropped.
func (f *WebhookFanout) Deliver(urls []string, note BreachNotification) {
	if len(urls) == 0 {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		f.logger.Printf("❌ marshal notification for %s/%s: %v", note.BusinessID, note.MetricName, err)
		return
	}

	sem := f.semaphore(note.BusinessID)
	for _, url := range urls {
		go func(url string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			f.post(url, payload, note.BusinessID)
		}(url)
	}
}

func (f *WebhookFanout) post(url string, payload []byte, businessID string) {
	var lastErr error
	for attempt := 1; attempt <= fanoutAttempts; attempt++ {
		resp, err := f.client.Post(url, "application/json", bytes.NewReader(payload))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				f.metrics.RecordWebhook("delivered")
				return
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		f.metrics.RecordWebhook("failed")
		time.Sleep(time.Duration(attempt*attempt) * time.Second)
	}
	f.metrics.RecordWebhook("dropped")
	f.logger.Printf("⚠️ dropping webhook for %s after %d attempts: %s: %v",
		businessID, fanoutAttempts, url, lastErr)
}

func (f *WebhookFanout) semaphore(businessID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	sem, ok := f.slots[businessID]
	if !ok {
		sem = make(chan struct{}, fanoutPerBusiness)
		f.slots[businessID] = sem
	}
	return sem
}
