package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Cadre API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListAgents fetches all agents
func (c *Client) ListAgents() ([]AgentItem, error) {
	var agents []AgentItem
	err := c.get("/agents", &agents)
	return agents, err
}

// ListTasks fetches tasks, optionally filtered by status
func (c *Client) ListTasks(status string) ([]TaskItem, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []TaskItem
	err := c.get(path, &tasks)
	return tasks, err
}

// GetTask fetches a single task
func (c *Client) GetTask(id string) (*TaskItem, error) {
	var task TaskItem
	if err := c.get("/tasks/"+url.PathEscape(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetWorkers fetches the execution loop states
func (c *Client) GetWorkers() ([]WorkerItem, error) {
	var workers []WorkerItem
	err := c.get("/workers", &workers)
	return workers, err
}

// AgentAction posts start, stop, pause or resume for an agent
func (c *Client) AgentAction(agentID, action string) error {
	_, err := c.post("/agents/"+url.PathEscape(agentID)+"/"+action, struct{}{})
	return err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", bytes.TrimSpace(body))
	}
	return body, nil
}
