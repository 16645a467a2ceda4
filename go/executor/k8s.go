package executor

import (
	"context"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
	"go.copilot.dev/infra/go/util"
)

const (
	// resultAnnotation is the job annotation a worker may set with a fallback
	// summary when it cannot reach the result store.
	resultAnnotation = "copilot.dev/result-summary"

	workerContainerName = "worker"
	jobLabelApp         = "copilot-worker"
)

// K8sJobConfig configures the Kubernetes job executor.
type K8sJobConfig struct {
	Namespace string
	// Image is the worker image. Its pod template (service account, secret
	// mounts) carries all credentials; no secret ever rides the per-task env.
	Image          string
	ServiceAccount string
	PollInterval   time.Duration
	Timeout        time.Duration
}

// K8sJob dispatches each task as a one-shot Kubernetes Job and polls it to a
// terminal state. Deterministic job names turn duplicate dispatch into
// AlreadyExists, which is resolved by polling the existing job.
type K8sJob struct {
	clientset  kubernetes.Interface
	cfg        K8sJobConfig
	results    store.ResultStore
	dispatches metrics2.Counter
}

// NewK8sJob returns a Kubernetes-backed Executor.
func NewK8sJob(clientset kubernetes.Interface, cfg K8sJobConfig, results store.ResultStore) *K8sJob {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 40 * time.Minute
	}
	return &K8sJob{
		clientset:  clientset,
		cfg:        cfg,
		results:    results,
		dispatches: metrics2.GetCounter("copilot_k8s_job_dispatches"),
	}
}

// jobFor builds the Job object for a task.
func (e *K8sJob) jobFor(spec *task.Spec) *batchv1.Job {
	env := []corev1.EnvVar{}
	for _, key := range []string{"TASK_TYPE", "TASK_ID", "REPO_URL", "BRANCH", "SYSTEM_PROMPT", "USER_PROMPT", "TASK_PAYLOAD"} {
		env = append(env, corev1.EnvVar{Name: key, Value: spec.Env()[key]})
	}
	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      task.JobName(spec.Kind, spec.ID),
			Namespace: e.cfg.Namespace,
			Labels: map[string]string{
				"app": jobLabelApp,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"app": jobLabelApp,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: e.cfg.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:  workerContainerName,
							Image: e.cfg.Image,
							Env:   env,
						},
					},
				},
			},
		},
	}
}

// Execute implements Executor.
func (e *K8sJob) Execute(ctx context.Context, spec *task.Spec) (task.Result, error) {
	if res, ok := cachedResult(ctx, e.results, spec); ok {
		return res, nil
	}
	name := task.JobName(spec.Kind, spec.ID)
	jobs := e.clientset.BatchV1().Jobs(e.cfg.Namespace)
	if _, err := jobs.Create(ctx, e.jobFor(spec), metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return nil, skerr.Wrapf(err, "creating job %s", name)
		}
		// Another dispatcher created the same job; fall through to poll it.
		sklog.Infof("Job %s already exists; polling the existing job.", name)
	}
	e.dispatches.Inc(1)

	deadline := time.Now().Add(e.cfg.Timeout)
	for {
		if time.Now().After(deadline) {
			e.deleteJob(ctx, name)
			return nil, &TimeoutError{TaskID: spec.ID, Timeout: e.cfg.Timeout}
		}
		job, err := jobs.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, skerr.Wrapf(err, "polling job %s", name)
		}
		switch {
		case job.Status.Succeeded > 0:
			res := e.collectResult(ctx, spec, job)
			e.deleteJob(ctx, name)
			storeResult(ctx, e.results, spec, res)
			return res, nil
		case job.Status.Failed > 0:
			logs := e.workerLogs(ctx, name)
			e.deleteJob(ctx, name)
			return nil, &FailureError{TaskID: spec.ID, Logs: logs}
		}
		util.SleepCtx(ctx, e.cfg.PollInterval)
		if err := ctx.Err(); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
}

// collectResult reads the worker's result: result store first, then the
// job's fallback annotation, then an empty summary.
func (e *K8sJob) collectResult(ctx context.Context, spec *task.Spec, job *batchv1.Job) task.Result {
	if raw, ok := e.results.GetResult(ctx, spec.ID); ok {
		return task.ParseResult(raw, spec.Kind)
	}
	if summary, ok := job.Annotations[resultAnnotation]; ok {
		return task.ParseResult(summary, spec.Kind)
	}
	sklog.Warningf("Job for task %s succeeded but left no result; using an empty summary.", spec.ID)
	return task.ParseResult("", spec.Kind)
}

// workerLogs retrieves the logs of the job's pod. Best-effort; returns "" on
// any failure.
func (e *K8sJob) workerLogs(ctx context.Context, jobName string) string {
	pods, err := e.clientset.CoreV1().Pods(e.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		sklog.Warningf("Could not find pods for job %s: %v", jobName, err)
		return ""
	}
	req := e.clientset.CoreV1().Pods(e.cfg.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{
		Container: workerContainerName,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		sklog.Warningf("Could not stream logs for job %s: %s", jobName, err)
		return ""
	}
	defer util.Close(stream)
	b, err := io.ReadAll(io.LimitReader(stream, 64*1024))
	if err != nil {
		return ""
	}
	return string(b)
}

// deleteJob removes the job and its pods. Deletion on timeout and on failure
// is mandatory so re-dispatch under the deterministic name can proceed.
func (e *K8sJob) deleteJob(ctx context.Context, name string) {
	policy := metav1.DeletePropagationBackground
	err := e.clientset.BatchV1().Jobs(e.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		sklog.Errorf("Failed to delete job %s: %s", name, err)
	}
}
