package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// JobResponse — job из API.
type JobResponse struct {
	ID           string         `json:"id"`
	JobType      string         `json:"job_type"`
	Status       string         `json:"status"`
	CurrentStage int            `json:"current_stage"`
	TotalStages  int            `json:"total_stages"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorDetails string         `json:"error_details,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID           string         `json:"id"`
	JobID        string         `json:"parent_job_id"`
	TaskType     string         `json:"task_type"`
	Status       string         `json:"status"`
	Stage        int            `json:"stage"`
	Key          string         `json:"task_key"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	RetryCount   int            `json:"retry_count"`
	ErrorDetails string         `json:"error_details,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// SubmitJobResponse — результат отправки job'а.
type SubmitJobResponse struct {
	JobID    string `json:"job_id"`
	Existing bool   `json:"existing"`
	Status   string `json:"status"`
}

// --- Request types ---

// SubmitJobRequest — отправка job'а.
type SubmitJobRequest struct {
	JobType    string         `json:"job_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Mosaic API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Jobs ---

// SubmitJob отправляет job.
func (c *Client) SubmitJob(req SubmitJobRequest) (*SubmitJobResponse, error) {
	var resp SubmitJobResponse
	err := c.post("/api/v1/jobs", req, &resp)
	return &resp, err
}

// GetJob возвращает job по ID.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/api/v1/jobs/"+id, &job)
	return &job, err
}

// ListTasks возвращает tasks job'а.
func (c *Client) ListTasks(jobID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list("/api/v1/jobs/"+jobID+"/tasks", &tasks)
	return tasks, err
}

// ListFailures возвращает упавшие tasks job'а.
func (c *Client) ListFailures(jobID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list("/api/v1/jobs/"+jobID+"/failures", &tasks)
	return tasks, err
}

// ListJobTypes возвращает зарегистрированные типы jobs.
func (c *Client) ListJobTypes() ([]string, error) {
	var types []string
	err := c.list("/api/v1/jobs/types", &types)
	return types, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, result any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	if er.Error.Field != "" {
		return fmt.Errorf("%s: %s (field %s)", er.Error.Code, er.Error.Message, er.Error.Field)
	}
	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
