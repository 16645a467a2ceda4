package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
)

const testNamespace = "copilot"

func newK8sForTest(clientset *fake.Clientset, results store.ResultStore) *K8sJob {
	return NewK8sJob(clientset, K8sJobConfig{
		Namespace:    testNamespace,
		Image:        "registry.example.com/copilot-worker:latest",
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, results)
}

// succeedOnCreate makes created jobs immediately report success.
func succeedOnCreate(clientset *fake.Clientset) {
	clientset.PrependReactor("create", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batchv1.Job)
		job.Status.Succeeded = 1
		return false, nil, nil
	})
}

func TestK8sJobSuccess(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	succeedOnCreate(clientset)
	results := store.NewMemory()
	e := newK8sForTest(clientset, results)

	spec := &task.Spec{
		Kind:    task.KindReview,
		ID:      "review:7:12:abc",
		RepoURL: "https://gitlab.example.com/g/r.git",
		Branch:  "feature",
	}
	// The worker wrote its result to the store before exiting.
	serialized, err := task.SerializeResult(&task.ReviewResult{Summary: "one finding"})
	require.NoError(t, err)
	results.SetResult(ctx, spec.ID, serialized, time.Hour)

	res, err := e.Execute(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, "one finding", res.SummaryText())
}

func TestK8sJobEnvContract(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	succeedOnCreate(clientset)
	e := newK8sForTest(clientset, store.NewMemory())

	spec := &task.Spec{
		Kind:       task.KindCoding,
		ID:         "PROJ-42",
		RepoURL:    "https://gitlab.example.com/g/r.git",
		Branch:     "agent/proj-42",
		UserPrompt: "do the thing",
	}
	_, err := e.Execute(ctx, spec)
	require.NoError(t, err)

	var created *batchv1.Job
	for _, action := range clientset.Actions() {
		if c, ok := action.(k8stesting.CreateAction); ok {
			created = c.GetObject().(*batchv1.Job)
		}
	}
	require.NotNil(t, created)
	require.Equal(t, task.JobName(task.KindCoding, "PROJ-42"), created.Name)

	env := map[string]string{}
	for _, ev := range created.Spec.Template.Spec.Containers[0].Env {
		env[ev.Name] = ev.Value
	}
	require.Equal(t, "coding", env["TASK_TYPE"])
	require.Equal(t, "PROJ-42", env["TASK_ID"])
	require.Equal(t, "agent/proj-42", env["BRANCH"])
	require.Equal(t, "do the thing", env["USER_PROMPT"])
	// The env contract is exactly the non-sensitive task parameters.
	require.Len(t, env, 7)
}

func TestK8sJobAlreadyExistsPollsExisting(t *testing.T) {
	ctx := context.Background()
	name := task.JobName(task.KindReview, "review:7:12:abc")
	existing := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Annotations: map[string]string{
				resultAnnotation: "fallback summary",
			},
		},
		Status: batchv1.JobStatus{Succeeded: 1},
	}
	clientset := fake.NewSimpleClientset(existing)
	e := newK8sForTest(clientset, store.NewMemory())

	// Create returns AlreadyExists; the dispatcher polls the existing job and
	// falls back to its annotation since the result store is empty.
	res, err := e.Execute(ctx, &task.Spec{Kind: task.KindReview, ID: "review:7:12:abc"})
	require.NoError(t, err)
	require.Equal(t, "fallback summary", res.SummaryText())

	// The finished job was cleaned up.
	_, err = clientset.BatchV1().Jobs(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))
}

func TestK8sJobFailureCarriesLogs(t *testing.T) {
	ctx := context.Background()
	name := task.JobName(task.KindCoding, "PROJ-42")
	failed := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Status:     batchv1.JobStatus{Failed: 1},
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-pod",
			Namespace: testNamespace,
			Labels:    map[string]string{"job-name": name},
		},
	}
	clientset := fake.NewSimpleClientset(failed, pod)
	e := newK8sForTest(clientset, store.NewMemory())

	_, err := e.Execute(ctx, &task.Spec{Kind: task.KindCoding, ID: "PROJ-42"})
	require.Error(t, err)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	// The fake clientset serves canned log content.
	require.Contains(t, fe.Logs, "fake logs")

	_, err = clientset.BatchV1().Jobs(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))
}

func TestK8sJobTimeoutDeletesJob(t *testing.T) {
	ctx := context.Background()
	name := task.JobName(task.KindReview, "review:1:1:x")
	// A job which never reaches a terminal state.
	running := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
	}
	clientset := fake.NewSimpleClientset(running)
	e := NewK8sJob(clientset, K8sJobConfig{
		Namespace:    testNamespace,
		Image:        "img",
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}, store.NewMemory())

	_, err := e.Execute(ctx, &task.Spec{Kind: task.KindReview, ID: "review:1:1:x"})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)

	_, err = clientset.BatchV1().Jobs(testNamespace).Get(ctx, name, metav1.GetOptions{})
	require.True(t, apierrors.IsNotFound(err))
}

func TestK8sJobCachedResultSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	results := store.NewMemory()
	e := newK8sForTest(clientset, results)

	serialized, err := task.SerializeResult(&task.ReviewResult{Summary: "done earlier"})
	require.NoError(t, err)
	results.SetResult(ctx, "review:7:12:abc", serialized, time.Hour)

	res, err := e.Execute(ctx, &task.Spec{Kind: task.KindReview, ID: "review:7:12:abc"})
	require.NoError(t, err)
	require.Equal(t, "done earlier", res.SummaryText())
	// No job was created.
	require.Empty(t, clientset.Actions())
}
