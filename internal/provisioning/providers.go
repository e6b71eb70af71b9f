package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/database"
	"github.com/tracktags/tracktags/internal/errs"
)

// Task actions understood by the providers.
const (
	ActionCreateMachine  = "create_machine"
	ActionDestroyMachine = "destroy_machine"
)

const flyAPIBase = "https://api.machines.dev"

// TokenSource resolves the deploy token for one business. Backed by
// integration_keys rows of type "fly".
type TokenSource func(ctx context.Context, businessID string) (string, error)

// flyPayload is the task payload shape for the fly provider.
type flyPayload struct {
	AppName   string          `json:"app_name"`
	Region    string          `json:"region,omitempty"`
	MachineID string          `json:"machine_id,omitempty"` // destroy only
	Config    json.RawMessage `json:"config,omitempty"`     // passed through to the machines API
}

// FlyProvider drives the Fly Machines API with per-business tokens.
type FlyProvider struct {
	tokens  TokenSource
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

func NewFlyProvider(tokens TokenSource) *FlyProvider {
	return &FlyProvider{
		tokens:  tokens,
		baseURL: flyAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.New(log.Writer(), "[FLY] ", log.LstdFlags),
	}
}

func (p *FlyProvider) Execute(ctx context.Context, task *database.ProvisioningTaskRow) (*MachineResult, error) {
	var payload flyPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, errs.Validationf("payload", "malformed fly payload: %v", err)
	}
	if payload.AppName == "" {
		return nil, errs.Validationf("payload", "app_name is required")
	}

	token, err := p.tokens(ctx, task.BusinessID)
	if err != nil {
		return nil, err
	}

	switch task.Action {
	case ActionCreateMachine:
		return p.createMachine(ctx, token, &payload)
	case ActionDestroyMachine:
		return p.destroyMachine(ctx, token, &payload)
	default:
		return nil, errs.Validationf("action", "unknown fly action %q", task.Action)
	}
}

func (p *FlyProvider) createMachine(ctx context.Context, token string, payload *flyPayload) (*MachineResult, error) {
	body := map[string]interface{}{}
	if payload.Region != "" {
		body["region"] = payload.Region
	}
	if len(payload.Config) > 0 {
		body["config"] = json.RawMessage(payload.Config)
	}

	var machine struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Region string `json:"region"`
	}
	endpoint := fmt.Sprintf("%s/v1/apps/%s/machines", p.baseURL, payload.AppName)
	if err := p.call(ctx, token, http.MethodPost, endpoint, body, &machine); err != nil {
		return nil, err
	}
	p.logger.Printf("✅ created machine %s in %s for app %s", machine.ID, machine.Region, payload.AppName)
	return &MachineResult{MachineID: machine.ID, State: machine.State, Region: machine.Region}, nil
}

func (p *FlyProvider) destroyMachine(ctx context.Context, token string, payload *flyPayload) (*MachineResult, error) {
	if payload.MachineID == "" {
		return nil, errs.Validationf("payload", "machine_id is required to destroy")
	}
	endpoint := fmt.Sprintf("%s/v1/apps/%s/machines/%s?force=true", p.baseURL, payload.AppName, payload.MachineID)
	if err := p.call(ctx, token, http.MethodDelete, endpoint, nil, nil); err != nil {
		return nil, err
	}
	p.logger.Printf("✅ destroyed machine %s for app %s", payload.MachineID, payload.AppName)
	return &MachineResult{MachineID: payload.MachineID, State: "destroyed"}, nil
}

func (p *FlyProvider) call(ctx context.Context, token, method, endpoint string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fly api: %v: %w", err, errs.ErrUpstreamFailed)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fly api %s: status %d: %w", endpoint, resp.StatusCode, errs.ErrUpstreamFailed)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// MockComputeProvider records executed tasks, for MOCK_MODE and tests.
type MockComputeProvider struct {
	mu       sync.Mutex
	Executed []database.ProvisioningTaskRow
	Err      error
	counter  int
}

func NewMockComputeProvider() *MockComputeProvider {
	return &MockComputeProvider{}
}

func (m *MockComputeProvider) Execute(_ context.Context, task *database.ProvisioningTaskRow) (*MachineResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Executed = append(m.Executed, *task)
	m.counter++
	if task.Action == ActionDestroyMachine {
		return nil, nil
	}
	return &MachineResult{
		MachineID: fmt.Sprintf("mock-machine-%d", m.counter),
		State:     "started",
		Region:    "iad",
	}, nil
}

func (m *MockComputeProvider) ExecutedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Executed)
}

var (
	_ Provider = (*FlyProvider)(nil)
	_ Provider = (*MockComputeProvider)(nil)
)
