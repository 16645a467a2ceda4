// Package config loads the service configuration from the environment and
// validates it at startup. Validation failures are fatal: the service exits
// non-zero rather than running with an inconsistent configuration.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"go.copilot.dev/infra/go/skerr"
)

// Executor backends.
const (
	ExecutorLocal         = "local"
	ExecutorK8s           = "k8s"
	ExecutorContainerApps = "container_apps"
)

// State Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ProjectMapping maps an issue-tracker project key to the repository the
// agent works in.
type ProjectMapping struct {
	VCSProjectID int64  `json:"vcs_project_id"`
	CloneURL     string `json:"clone_url"`
	TargetBranch string `json:"target_branch"`
}

// Config is the process configuration, immutable after Load.
type Config struct {
	// GitLab.
	GitLabURL           string
	GitLabToken         string
	GitLabWebhookSecret string
	GitLabProjects      []string
	GitLabPoll          bool
	GitLabPollInterval  time.Duration
	// GitLabReviewOnPush controls dedup granularity: when true a review runs
	// per head commit, when false once per MR.
	GitLabReviewOnPush bool

	// Jira.
	JiraURL              string
	JiraEmail            string
	JiraAPIToken         string
	JiraTriggerStatus    string
	JiraInProgressStatus string
	JiraInReviewStatus   string
	JiraPollInterval     time.Duration
	JiraProjectMap       map[string]ProjectMapping

	// Execution.
	TaskExecutor      string
	AgentCmd          string
	ExecutionTimeout  time.Duration
	K8sNamespace      string
	K8sWorkerImage    string
	K8sServiceAccount string
	JobServiceURL     string

	// State.
	StateBackend string
	RedisURL     string

	// LLM credentials. Either Token alone, or the provider triple.
	LLMToken        string
	LLMProviderType string
	LLMBaseURL      string
	LLMAPIKey       string
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, skerr.Fmt("%s must be an integer number of seconds, got %q", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var rv []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			rv = append(rv, s)
		}
	}
	return rv
}

// Load reads the configuration from the environment. It does not validate;
// call Validate before using the result.
func Load() (*Config, error) {
	c := &Config{
		GitLabURL:            os.Getenv("GITLAB_URL"),
		GitLabToken:          os.Getenv("GITLAB_TOKEN"),
		GitLabWebhookSecret:  os.Getenv("GITLAB_WEBHOOK_SECRET"),
		GitLabProjects:       envList("GITLAB_PROJECTS"),
		GitLabPoll:           envBool("GITLAB_POLL"),
		GitLabReviewOnPush:   envBool("GITLAB_REVIEW_ON_PUSH"),
		JiraURL:              os.Getenv("JIRA_URL"),
		JiraEmail:            os.Getenv("JIRA_EMAIL"),
		JiraAPIToken:         os.Getenv("JIRA_API_TOKEN"),
		JiraTriggerStatus:    os.Getenv("JIRA_TRIGGER_STATUS"),
		JiraInProgressStatus: os.Getenv("JIRA_IN_PROGRESS_STATUS"),
		JiraInReviewStatus:   os.Getenv("JIRA_IN_REVIEW_STATUS"),
		TaskExecutor:         os.Getenv("TASK_EXECUTOR"),
		AgentCmd:             os.Getenv("AGENT_CMD"),
		K8sNamespace:         os.Getenv("K8S_NAMESPACE"),
		K8sWorkerImage:       os.Getenv("K8S_WORKER_IMAGE"),
		K8sServiceAccount:    os.Getenv("K8S_SERVICE_ACCOUNT"),
		JobServiceURL:        os.Getenv("JOB_SERVICE_URL"),
		StateBackend:         os.Getenv("STATE_BACKEND"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LLMToken:             os.Getenv("LLM_TOKEN"),
		LLMProviderType:      os.Getenv("LLM_PROVIDER_TYPE"),
		LLMBaseURL:           os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:            os.Getenv("LLM_API_KEY"),
	}
	if c.TaskExecutor == "" {
		c.TaskExecutor = ExecutorLocal
	}
	if c.StateBackend == "" {
		c.StateBackend = BackendMemory
	}
	var err error
	if c.GitLabPollInterval, err = envDuration("GITLAB_POLL_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if c.JiraPollInterval, err = envDuration("JIRA_POLL_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if c.ExecutionTimeout, err = envDuration("EXECUTION_TIMEOUT", 40*time.Minute); err != nil {
		return nil, err
	}
	if raw := os.Getenv("JIRA_PROJECT_MAP"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.JiraProjectMap); err != nil {
			return nil, skerr.Wrapf(err, "JIRA_PROJECT_MAP is not valid JSON")
		}
	}
	return c, nil
}

// Validate refuses inconsistent configurations.
func (c *Config) Validate() error {
	if c.GitLabURL == "" {
		return skerr.Fmt("GITLAB_URL is required")
	}
	if c.GitLabToken == "" {
		return skerr.Fmt("GITLAB_TOKEN is required")
	}
	if c.GitLabPoll {
		if len(c.GitLabProjects) == 0 {
			return skerr.Fmt("GITLAB_POLL requires a non-empty GITLAB_PROJECTS list")
		}
	} else if c.GitLabWebhookSecret == "" {
		return skerr.Fmt("GITLAB_WEBHOOK_SECRET is required when polling is disabled")
	}

	switch c.TaskExecutor {
	case ExecutorLocal:
		if c.AgentCmd == "" {
			return skerr.Fmt("TASK_EXECUTOR=local requires AGENT_CMD")
		}
	case ExecutorK8s:
		if c.K8sNamespace == "" || c.K8sWorkerImage == "" {
			return skerr.Fmt("TASK_EXECUTOR=k8s requires K8S_NAMESPACE and K8S_WORKER_IMAGE")
		}
	case ExecutorContainerApps:
		if c.JobServiceURL == "" {
			return skerr.Fmt("TASK_EXECUTOR=container_apps requires JOB_SERVICE_URL")
		}
	default:
		return skerr.Fmt("unknown TASK_EXECUTOR %q", c.TaskExecutor)
	}

	switch c.StateBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return skerr.Fmt("STATE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return skerr.Fmt("unknown STATE_BACKEND %q", c.StateBackend)
	}

	hasToken := c.LLMToken != ""
	hasProvider := c.LLMProviderType != "" || c.LLMBaseURL != "" || c.LLMAPIKey != ""
	fullProvider := c.LLMProviderType != "" && c.LLMBaseURL != "" && c.LLMAPIKey != ""
	switch {
	case hasToken && hasProvider:
		return skerr.Fmt("LLM_TOKEN and LLM_PROVIDER_TYPE/LLM_BASE_URL/LLM_API_KEY are mutually exclusive")
	case !hasToken && !hasProvider:
		return skerr.Fmt("either LLM_TOKEN or LLM_PROVIDER_TYPE+LLM_BASE_URL+LLM_API_KEY must be set")
	case hasProvider && !fullProvider:
		return skerr.Fmt("LLM_PROVIDER_TYPE, LLM_BASE_URL and LLM_API_KEY must all be set")
	}

	if c.JiraEnabled() {
		if c.JiraEmail == "" || c.JiraAPIToken == "" {
			return skerr.Fmt("JIRA_URL requires JIRA_EMAIL and JIRA_API_TOKEN")
		}
		if c.JiraTriggerStatus == "" || c.JiraInProgressStatus == "" || c.JiraInReviewStatus == "" {
			return skerr.Fmt("Jira mode requires JIRA_TRIGGER_STATUS, JIRA_IN_PROGRESS_STATUS and JIRA_IN_REVIEW_STATUS")
		}
		if len(c.JiraProjectMap) == 0 {
			return skerr.Fmt("Jira mode requires a non-empty JIRA_PROJECT_MAP")
		}
		for key, m := range c.JiraProjectMap {
			if m.CloneURL == "" || m.TargetBranch == "" || m.VCSProjectID == 0 {
				return skerr.Fmt("JIRA_PROJECT_MAP entry %q is missing vcs_project_id, clone_url or target_branch", key)
			}
		}
	}
	return nil
}

// JiraEnabled returns true iff the issue-driven flow is configured.
func (c *Config) JiraEnabled() bool {
	return c.JiraURL != ""
}
