package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.copilot.dev/infra/go/mockhttpclient"
	"go.copilot.dev/infra/go/store"
	"go.copilot.dev/infra/go/task"
)

const jobSvcURL = "https://jobs.example.com"

func newJobServiceForTest(urlMock *mockhttpclient.URLMock, backend *store.Memory) *JobService {
	return NewJobService(JobServiceConfig{
		BaseURL:      jobSvcURL,
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, backend, backend, urlMock.Client())
}

func TestJobServiceSuccess(t *testing.T) {
	ctx := context.Background()
	urlMock := mockhttpclient.NewURLMock()
	backend := store.NewMemory()
	e := newJobServiceForTest(urlMock, backend)

	spec := &task.Spec{Kind: task.KindReview, ID: "review:7:12:abc"}
	name := task.JobName(spec.Kind, spec.ID)

	urlMock.MockOnce(jobSvcURL+"/executions", mockhttpclient.MockPostDialogue(nil, []byte(`{"name":"`+name+`"}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockGetDialogue([]byte(`{"status":"running"}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockGetDialogue([]byte(`{"status":"succeeded"}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockDeleteDialogue())

	// The worker left nothing in the result store: the executor falls back
	// to an empty summary and caches it.
	res, err := e.Execute(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, "", res.SummaryText())
	require.True(t, urlMock.Empty())
	_, ok := backend.GetResult(ctx, spec.ID)
	require.True(t, ok)
}

func TestJobServiceCachedResultSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	urlMock := mockhttpclient.NewURLMock()
	backend := store.NewMemory()
	e := newJobServiceForTest(urlMock, backend)

	spec := &task.Spec{Kind: task.KindReview, ID: "review:7:12:abc"}
	serialized, err := task.SerializeResult(&task.ReviewResult{Summary: "done earlier"})
	require.NoError(t, err)
	backend.SetResult(ctx, spec.ID, serialized, time.Hour)

	// No URLs are mocked: any HTTP call would fail the test.
	res, err := e.Execute(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, "done earlier", res.SummaryText())
}

func TestJobServiceFailureCarriesLogs(t *testing.T) {
	ctx := context.Background()
	urlMock := mockhttpclient.NewURLMock()
	backend := store.NewMemory()
	e := newJobServiceForTest(urlMock, backend)

	spec := &task.Spec{Kind: task.KindCoding, ID: "PROJ-42"}
	name := task.JobName(spec.Kind, spec.ID)

	urlMock.MockOnce(jobSvcURL+"/executions", mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockGetDialogue([]byte(`{"status":"failed","logs":"worker exploded"}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockDeleteDialogue())

	_, err := e.Execute(ctx, spec)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	require.Contains(t, fe.Logs, "worker exploded")
	require.True(t, urlMock.Empty())
}

func TestJobServiceFailureAllowsRedispatch(t *testing.T) {
	ctx := context.Background()
	urlMock := mockhttpclient.NewURLMock()
	backend := store.NewMemory()
	e := newJobServiceForTest(urlMock, backend)

	spec := &task.Spec{Kind: task.KindCoding, ID: "PROJ-42"}
	name := task.JobName(spec.Kind, spec.ID)

	urlMock.MockOnce(jobSvcURL+"/executions", mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockGetDialogue([]byte(`{"status":"failed","logs":"flaky worker"}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockDeleteDialogue())

	_, err := e.Execute(ctx, spec)
	var fe *FailureError
	require.ErrorAs(t, err, &fe)
	require.False(t, backend.IsSeen(ctx, execLockPrefix+spec.ID))

	// The failure cleared the dispatch sentinel: a retry starts a fresh
	// execution instead of waiting on the dead one.
	urlMock.MockOnce(jobSvcURL+"/executions", mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockGetDialogue([]byte(`{"status":"succeeded"}`)))
	urlMock.MockOnce(jobSvcURL+"/executions/"+name, mockhttpclient.MockDeleteDialogue())

	res, err := e.Execute(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, "", res.SummaryText())
	require.True(t, urlMock.Empty())
}

func TestJobServiceSentinelWaitsForResult(t *testing.T) {
	ctx := context.Background()
	urlMock := mockhttpclient.NewURLMock()
	backend := store.NewMemory()
	e := newJobServiceForTest(urlMock, backend)

	spec := &task.Spec{Kind: task.KindReview, ID: "review:7:12:abc"}

	// Another dispatcher already started this task.
	backend.MarkSeen(ctx, execLockPrefix+spec.ID, time.Minute)

	done := make(chan task.Result, 1)
	go func() {
		res, err := e.Execute(ctx, spec)
		require.NoError(t, err)
		done <- res
	}()

	// No HTTP call happens; the second dispatcher waits until the first
	// one's result shows up in the store.
	time.Sleep(50 * time.Millisecond)
	serialized, err := task.SerializeResult(&task.ReviewResult{Summary: "from the other dispatcher"})
	require.NoError(t, err)
	backend.SetResult(ctx, spec.ID, serialized, time.Hour)

	select {
	case res := <-done:
		require.Equal(t, "from the other dispatcher", res.SummaryText())
	case <-time.After(5 * time.Second):
		t.Fatal("await never observed the result")
	}
}

func TestJobServiceTimeout(t *testing.T) {
	ctx := context.Background()
	urlMock := mockhttpclient.NewURLMock()
	backend := store.NewMemory()
	e := NewJobService(JobServiceConfig{
		BaseURL:      jobSvcURL,
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}, backend, backend, urlMock.Client())

	spec := &task.Spec{Kind: task.KindReview, ID: "review:1:1:x"}
	name := task.JobName(spec.Kind, spec.ID)

	urlMock.MockOnce(jobSvcURL+"/executions", mockhttpclient.MockPostDialogue(nil, []byte(`{}`)))
	// The execution never leaves "running"; deletion after the deadline is
	// best-effort and tolerates the method mismatch on this shared mock.
	urlMock.Mock(jobSvcURL+"/executions/"+name, mockhttpclient.MockGetDialogue([]byte(`{"status":"running"}`)))

	_, err := e.Execute(ctx, spec)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	// The sentinel does not survive the timeout; the next attempt
	// re-dispatches.
	require.False(t, backend.IsSeen(ctx, execLockPrefix+spec.ID))
}
