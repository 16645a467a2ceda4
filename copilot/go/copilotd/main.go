// copilotd is the autonomous coding service. It reviews merge requests,
// executes /copilot commands from MR comments, and implements issues from the
// issue tracker, delegating the actual code work to an LLM coding agent run by
// the configured executor backend.
package main

import (
	"context"
	"flag"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"go.copilot.dev/infra/copilot/go/config"
	"go.copilot.dev/infra/copilot/go/orchestrator"
	"go.copilot.dev/infra/copilot/go/poller"
	"go.copilot.dev/infra/copilot/go/webhook"
	"go.copilot.dev/infra/go/agent"
	"go.copilot.dev/infra/go/cleanup"
	"go.copilot.dev/infra/go/common"
	"go.copilot.dev/infra/go/executor"
	"go.copilot.dev/infra/go/gitlab"
	"go.copilot.dev/infra/go/jira"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/util"
)

var (
	port     = flag.String("port", ":8080", "HTTP service address for the webhook endpoint, e.g. \":8080\"")
	promPort = flag.String("prom_port", ":20000", "Metrics service address, e.g. \":20000\"")
)

// newStore returns the configured state backend.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StateBackend == config.BackendRedis {
		return store.NewRedisFromURL(ctx, cfg.RedisURL)
	}
	return store.NewMemory(), nil
}

// newExecutor returns the configured task executor backend.
func newExecutor(cfg *config.Config, st store.Store) (executor.Executor, error) {
	switch cfg.TaskExecutor {
	case config.ExecutorK8s:
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, err
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, err
		}
		return executor.NewK8sJob(clientset, executor.K8sJobConfig{
			Namespace:      cfg.K8sNamespace,
			Image:          cfg.K8sWorkerImage,
			ServiceAccount: cfg.K8sServiceAccount,
			Timeout:        cfg.ExecutionTimeout,
		}, st), nil
	case config.ExecutorContainerApps:
		return executor.NewJobService(executor.JobServiceConfig{
			BaseURL: cfg.JobServiceURL,
			Timeout: cfg.ExecutionTimeout,
		}, st, st, nil), nil
	default:
		parts := strings.Fields(cfg.AgentCmd)
		return executor.NewLocal(&agent.CmdRunner{
			Cmd:     parts[0],
			Args:    parts[1:],
			Timeout: cfg.ExecutionTimeout,
		}, st), nil
	}
}

func main() {
	common.InitWithMust("copilotd", common.PrometheusOpt(promPort))
	defer sklog.Flush()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		sklog.Fatalf("Loading configuration: %s", err)
	}
	if err := cfg.Validate(); err != nil {
		sklog.Fatalf("Invalid configuration: %s", err)
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		sklog.Fatalf("Creating state store: %s", err)
	}

	gl := gitlab.NewClient(cfg.GitLabURL, cfg.GitLabToken, nil)
	// The self identity powers the self-comment guard; without it the service
	// still runs, relying on dedup keys to avoid loops.
	self, err := gl.CurrentUser(ctx)
	if err != nil {
		sklog.Warningf("Could not resolve the agent's own VCS identity: %s", err)
		self = nil
	} else {
		sklog.Infof("Acting as VCS user %q", self.Username)
	}

	var jc *jira.Client
	if cfg.JiraEnabled() {
		jc = jira.NewClient(cfg.JiraURL, cfg.JiraEmail, cfg.JiraAPIToken, nil)
		cleanup.Go(func(ctx context.Context) {
			<-ctx.Done()
			util.Close(jc)
		})
	}

	exe, err := newExecutor(cfg, st)
	if err != nil {
		sklog.Fatalf("Creating %s executor: %s", cfg.TaskExecutor, err)
	}

	orch := orchestrator.New(cfg, gl, jc, exe, st, self)

	if cfg.GitLabPoll {
		projects := make([]poller.Project, len(cfg.GitLabProjects))
		var eg errgroup.Group
		for i, ref := range cfg.GitLabProjects {
			i, ref := i, ref
			eg.Go(func() error {
				project, err := gl.GetProject(ctx, ref)
				if err != nil {
					return skerr.Wrapf(err, "resolving project %q", ref)
				}
				projects[i] = poller.Project{
					ID:       project.ID,
					CloneURL: project.HTTPURLToRepo,
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			sklog.Fatalf("Resolving polled projects: %s", err)
		}
		mp := poller.NewMRPoller(orch, gl, projects, cfg.GitLabPollInterval)
		cleanup.Go(mp.Start)
		sklog.Infof("MR poller started over %d projects.", len(projects))
	}

	if cfg.JiraEnabled() {
		ip := poller.NewIssuePoller(orch, jc, cfg, cfg.JiraPollInterval)
		cleanup.Go(ip.Start)
		sklog.Infof("Issue poller started over %d projects.", len(cfg.JiraProjectMap))
	}

	if cfg.GitLabWebhookSecret != "" {
		s := webhook.New(ctx, cfg.GitLabWebhookSecret, orch)
		sklog.Infof("Webhook server on %s", *port)
		sklog.Fatal(http.ListenAndServe(*port, s.Router()))
	}

	// Poll-only mode; the pollers run until shutdown.
	select {}
}
