package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/ledger"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/notify"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/queue"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/media-jobs"

// fakeSQS keeps messages in memory. Received messages stay in flight until
// deleted or released; visibility timeouts never expire.
type fakeSQS struct {
	mu       sync.Mutex
	messages []*fakeMessage
	seq      int
	receives int
}

type fakeMessage struct {
	id       string
	body     string
	attrs    map[string]types.MessageAttributeValue
	receipt  string
	inFlight bool
	received int
}

func (f *fakeSQS) add(body string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("msg-%d", f.seq)
	f.messages = append(f.messages, &fakeMessage{id: id, body: body})
	return id
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++

	out := &sqs.ReceiveMessageOutput{}
	for _, m := range f.messages {
		if len(out.Messages) == int(params.MaxNumberOfMessages) {
			break
		}
		if m.inFlight {
			continue
		}
		f.seq++
		m.inFlight = true
		m.received++
		m.receipt = fmt.Sprintf("rh-%s-%d", m.id, f.seq)
		out.Messages = append(out.Messages, types.Message{
			MessageId:         aws.String(m.id),
			ReceiptHandle:     aws.String(m.receipt),
			Body:              aws.String(m.body),
			MessageAttributes: m.attrs,
			Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): fmt.Sprint(m.received),
			},
		})
	}
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, m := range f.messages {
		if m.inFlight && m.receipt == aws.ToString(params.ReceiptHandle) {
			f.messages = slices.Delete(f.messages, i, i+1)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{Message: aws.String("receipt handle is invalid")}
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("msg-%d", f.seq)
	f.messages = append(f.messages, &fakeMessage{
		id:    id,
		body:  aws.ToString(params.MessageBody),
		attrs: params.MessageAttributes,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.messages {
		if m.inFlight && m.receipt == aws.ToString(params.ReceiptHandle) {
			if params.VisibilityTimeout == 0 {
				m.inFlight = false
			}
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{Message: aws.String("receipt handle is invalid")}
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	visible, inFlight := 0, 0
	for _, m := range f.messages {
		if m.inFlight {
			inFlight++
		} else {
			visible++
		}
	}
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages):           fmt.Sprint(visible),
		string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): fmt.Sprint(inFlight),
	}}, nil
}

// expireVisibility makes every in-flight message visible again
func (f *fakeSQS) expireVisibility() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		m.inFlight = false
	}
}

func (f *fakeSQS) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.ContainsFunc(f.messages, func(m *fakeMessage) bool { return m.id == id })
}

func (f *fakeSQS) completions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var bodies []string
	for _, m := range f.messages {
		attr, ok := m.attrs[domain.CompletionAttribute]
		if ok && aws.ToString(attr.StringValue) == domain.CompletionValue {
			bodies = append(bodies, m.body)
		}
	}
	return bodies
}

func (f *fakeSQS) receiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receives
}

// fakeFleet tracks instance states and how many instances run at once
type fakeFleet struct {
	mu         sync.Mutex
	order      []string
	states     map[string]domain.InstanceState
	addresses  map[string]string
	startErr   map[string]error
	started    []string
	stopped    []string
	running    int
	maxRunning int
	hang       bool
	startedCh  chan string
}

func newFakeFleet(ids ...string) *fakeFleet {
	f := &fakeFleet{
		states:    map[string]domain.InstanceState{},
		addresses: map[string]string{},
		startErr:  map[string]error{},
		startedCh: make(chan string, 16),
	}
	for i, id := range ids {
		f.order = append(f.order, id)
		f.states[id] = domain.InstanceStopped
		f.addresses[id] = fmt.Sprintf("10.0.0.%d", i+1)
	}
	return f
}

func (f *fakeFleet) ListAvailable(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		f.mu.Lock()
		var ids []string
		for _, id := range f.order {
			if f.states[id] == domain.InstanceStopped {
				ids = append(ids, id)
			}
		}
		f.mu.Unlock()

		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func (f *fakeFleet) Start(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, instanceID)
	f.startedCh <- instanceID
	if err := f.startErr[instanceID]; err != nil {
		return err
	}
	f.states[instanceID] = domain.InstanceRunning
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	return nil
}

func (f *fakeFleet) Stop(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)
	if f.states[instanceID] == domain.InstanceRunning {
		f.running--
	}
	f.states[instanceID] = domain.InstanceStopped
	return nil
}

func (f *fakeFleet) AwaitRunning(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeFleet) ResolveAddress(ctx context.Context, instanceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	address := f.addresses[instanceID]
	if address == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrNoAddress, instanceID)
	}
	return address, nil
}

func (f *fakeFleet) snapshot() (started, stopped []string, maxRunning int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.started), slices.Clone(f.stopped), f.maxRunning
}

// fakeExecutor answers commands per address
type fakeExecutor struct {
	mu       sync.Mutex
	commands map[string]string
	stderr   map[string][]string
	files    map[string]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		commands: map[string]string{},
		stderr:   map[string][]string{},
		files:    map[string]string{},
	}
}

func (e *fakeExecutor) Run(ctx context.Context, target remote.Target, command string) (*domain.CommandOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[target.Address] = command
	status := 0
	return &domain.CommandOutput{
		Stdout:     []string{"done"},
		Stderr:     e.stderr[target.Address],
		ExitStatus: &status,
	}, nil
}

func (e *fakeExecutor) Fetch(ctx context.Context, target remote.Target, remotePath string, w io.Writer) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[remotePath]
	if !ok {
		return 0, os.ErrNotExist
	}
	n, err := io.WriteString(w, content)
	return int64(n), err
}

func (e *fakeExecutor) commandList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, c := range e.commands {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string]string
}

func (u *fakeUploader) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = map[string]string{}
	}
	u.objects[name] = string(data)
	return "s3://media/output/" + name, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func s3Body(source, key string) string {
	return fmt.Sprintf(`{"Records":[{"eventSource":%q,"s3":{"bucket":{"name":"media"},"object":{"key":%q}}}]}`, source, key)
}

type harness struct {
	sqs      *fakeSQS
	fleet    *fakeFleet
	executor *fakeExecutor
	ledger   *ledger.Memory
	d        *Dispatcher
}

func newHarness(t *testing.T, cfg Config, instances ...string) *harness {
	t.Helper()

	h := &harness{
		sqs:      &fakeSQS{},
		fleet:    newFakeFleet(instances...),
		executor: newFakeExecutor(),
		ledger:   ledger.NewMemory(),
	}

	logger := testLogger()
	q := queue.NewClient(h.sqs, queue.Config{QueueURL: testQueueURL}, logger)

	d, err := New(cfg, Deps{
		Queue:     q,
		Fleet:     h.fleet,
		Executor:  h.executor,
		Renderer:  remote.NewTemplate("process --in inputFile --out outputFile"),
		Ledger:    h.ledger,
		Publisher: notify.NewSQSPublisher(q, testQueueURL),
	}, logger)
	require.NoError(t, err)
	h.d = d
	return h
}

func TestDrain_TwoJobsThreeInstances(t *testing.T) {
	h := newHarness(t, Config{}, "i-1", "i-2", "i-3")
	first := h.sqs.add(s3Body("aws:s3", "input/video1.h264"))
	second := h.sqs.add(s3Body("aws:s3", "input/video2.h264"))

	require.NoError(t, h.d.Drain(context.Background()))

	started, stopped, maxRunning := h.fleet.snapshot()
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, started)
	assert.ElementsMatch(t, started, stopped)
	assert.LessOrEqual(t, maxRunning, 2)

	assert.False(t, h.sqs.has(first))
	assert.False(t, h.sqs.has(second))
	assert.ElementsMatch(t, []string{
		s3Body("aws:s3", "input/video1.h264"),
		s3Body("aws:s3", "input/video2.h264"),
	}, h.sqs.completions())

	assert.Equal(t, []string{
		"process --in video1.h264 --out video1.h264_output.txt",
		"process --in video2.h264 --out video2.h264_output.txt",
	}, h.executor.commandList())

	for _, id := range []string{first, second} {
		processed, err := h.ledger.IsProcessed(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, processed)
	}

	report := h.d.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Paired)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, domain.StateIdle, h.d.State())
}

func TestDrain_MoreJobsThanInstances(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")
	ids := []string{
		h.sqs.add(s3Body("aws:s3", "input/a.h264")),
		h.sqs.add(s3Body("aws:s3", "input/b.h264")),
		h.sqs.add(s3Body("aws:s3", "input/c.h264")),
	}

	require.NoError(t, h.d.Drain(context.Background()))

	started, stopped, maxRunning := h.fleet.snapshot()
	assert.Equal(t, []string{"i-1"}, started)
	assert.Equal(t, []string{"i-1"}, stopped)
	assert.Equal(t, 1, maxRunning)

	assert.False(t, h.sqs.has(ids[0]))
	assert.True(t, h.sqs.has(ids[1]))
	assert.True(t, h.sqs.has(ids[2]))
	assert.Len(t, h.sqs.completions(), 1)

	report := h.d.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 1, report.Paired)
	assert.Equal(t, 2, report.Dropped)
}

func TestDrain_ReleaseUnpaired(t *testing.T) {
	h := newHarness(t, Config{ReleaseUnpaired: true}, "i-1")
	for _, key := range []string{"input/a.h264", "input/b.h264", "input/c.h264"} {
		h.sqs.add(s3Body("aws:s3", key))
	}

	require.NoError(t, h.d.Drain(context.Background()))

	started, _, maxRunning := h.fleet.snapshot()
	assert.Len(t, started, 3)
	assert.Equal(t, 1, maxRunning)
	assert.Len(t, h.sqs.completions(), 3)
}

func TestDrain_StderrMeansFailure(t *testing.T) {
	tests := []struct {
		name         string
		ackMode      string
		wantOriginal bool
	}{
		{name: "on success keeps message for retry", ackMode: domain.AckOnSuccess, wantOriginal: true},
		{name: "on receipt loses message", ackMode: domain.AckOnReceipt, wantOriginal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{AckMode: tt.ackMode}, "i-1")
			h.executor.stderr["10.0.0.1"] = []string{"ffmpeg: invalid data found"}
			id := h.sqs.add(s3Body("aws:s3", "input/broken.h264"))

			require.NoError(t, h.d.Drain(context.Background()))

			assert.Empty(t, h.sqs.completions())
			assert.Equal(t, tt.wantOriginal, h.sqs.has(id))

			_, stopped, _ := h.fleet.snapshot()
			assert.Equal(t, []string{"i-1"}, stopped)

			failures, err := h.ledger.ListFailures(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, failures, 1)
			assert.Equal(t, id, failures[0].MessageID)
			assert.Equal(t, "input/broken.h264", failures[0].ObjectKey)
			assert.Equal(t, "ffmpeg: invalid data found", failures[0].Stderr)

			processed, err := h.ledger.IsProcessed(context.Background(), id)
			require.NoError(t, err)
			assert.False(t, processed)

			report := h.d.LastReport()
			require.NotNil(t, report)
			assert.Equal(t, 1, report.Failed)
			require.Len(t, report.Results, 1)
			assert.ErrorIs(t, report.Results[0].Err, domain.ErrRemoteFailure)
		})
	}
}

func TestDrain_NonMatchingMessagesUntouched(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")
	other := h.sqs.add(s3Body("aws:sns", "input/video1.h264"))
	garbage := h.sqs.add("not json")

	require.NoError(t, h.d.Drain(context.Background()))

	started, _, _ := h.fleet.snapshot()
	assert.Empty(t, started)
	assert.True(t, h.sqs.has(other))
	assert.True(t, h.sqs.has(garbage))
	assert.Empty(t, h.sqs.completions())
}

func TestDrain_EmptyQueue(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")

	require.NoError(t, h.d.Drain(context.Background()))

	started, _, _ := h.fleet.snapshot()
	assert.Empty(t, started)
	assert.Nil(t, h.d.LastReport())
	assert.Equal(t, domain.StateIdle, h.d.State())
	assert.Equal(t, 1, h.sqs.receiveCount())
}

func TestDrain_NoInstancesEndsDrain(t *testing.T) {
	h := newHarness(t, Config{ReleaseUnpaired: true})
	id := h.sqs.add(s3Body("aws:s3", "input/video1.h264"))

	require.NoError(t, h.d.Drain(context.Background()))

	assert.True(t, h.sqs.has(id))
	assert.Equal(t, 1, h.sqs.receiveCount())

	report := h.d.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Paired)
	assert.Equal(t, 1, report.Dropped)
}

func TestDrain_DuplicateIsAcknowledged(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")
	id := h.sqs.add(s3Body("aws:s3", "input/video1.h264"))
	require.NoError(t, h.ledger.MarkProcessed(context.Background(), domain.ProcessedEntry{
		MessageID:   id,
		ProcessedAt: time.Now(),
	}))

	require.NoError(t, h.d.Drain(context.Background()))

	started, _, _ := h.fleet.snapshot()
	assert.Empty(t, started)
	assert.False(t, h.sqs.has(id))
	assert.Empty(t, h.sqs.completions())

	report := h.d.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Duplicates)
}

func TestDrain_StartFailure(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")
	h.fleet.startErr["i-1"] = errors.New("InsufficientInstanceCapacity")
	id := h.sqs.add(s3Body("aws:s3", "input/video1.h264"))

	require.NoError(t, h.d.Drain(context.Background()))

	assert.True(t, h.sqs.has(id))
	assert.Empty(t, h.sqs.completions())

	_, stopped, _ := h.fleet.snapshot()
	assert.Equal(t, []string{"i-1"}, stopped)

	failures, err := h.ledger.ListFailures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "InsufficientInstanceCapacity")
}

func TestDrain_MissingAddress(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")
	h.fleet.addresses["i-1"] = ""
	h.sqs.add(s3Body("aws:s3", "input/video1.h264"))

	require.NoError(t, h.d.Drain(context.Background()))

	report := h.d.LastReport()
	require.NotNil(t, report)
	require.Len(t, report.Results, 1)
	assert.ErrorIs(t, report.Results[0].Err, domain.ErrNoAddress)
	assert.Empty(t, h.executor.commandList())
}

func TestDrain_CancelStillStopsInstances(t *testing.T) {
	h := newHarness(t, Config{}, "i-1", "i-2")
	h.fleet.hang = true
	h.sqs.add(s3Body("aws:s3", "input/a.h264"))
	h.sqs.add(s3Body("aws:s3", "input/b.h264"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.d.Drain(ctx)
	}()

	<-h.fleet.startedCh
	<-h.fleet.startedCh
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return after cancellation")
	}

	started, stopped, _ := h.fleet.snapshot()
	assert.ElementsMatch(t, started, stopped)
	assert.Empty(t, h.sqs.completions())
}

func TestDrain_CollectsArtifacts(t *testing.T) {
	h := newHarness(t, Config{RemoteDir: "/data"}, "i-1")
	uploader := &fakeUploader{}
	h.d.deps.Artifacts = uploader
	h.executor.files["/data/video1.h264_output.txt"] = "frames: 42"
	h.sqs.add(s3Body("aws:s3", "input/video1.h264"))

	require.NoError(t, h.d.Drain(context.Background()))

	assert.Equal(t, "frames: 42", uploader.objects["video1.h264_output.txt"])
	assert.Len(t, h.sqs.completions(), 1)
}

func TestRun_InactiveGateDoesNotPoll(t *testing.T) {
	statusFile := filepath.Join(t.TempDir(), "status")
	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond, StatusFile: statusFile}, "i-1")
	h.sqs.add(s3Body("aws:s3", "input/video1.h264"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, h.d.Run(ctx))
	assert.Equal(t, 0, h.sqs.receiveCount())
	assert.False(t, h.d.Active())
}

func TestRun_ActiveGateDrains(t *testing.T) {
	statusFile := filepath.Join(t.TempDir(), "status")
	require.NoError(t, os.WriteFile(statusFile, []byte("active\n"), 0o644))

	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond, StatusFile: statusFile}, "i-1")
	id := h.sqs.add(s3Body("aws:s3", "input/video1.h264"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.d.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return !h.sqs.has(id) && len(h.sqs.completions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSetActive(t *testing.T) {
	statusFile := filepath.Join(t.TempDir(), "status")
	h := newHarness(t, Config{StatusFile: statusFile}, "i-1")

	assert.False(t, h.d.Active())
	require.NoError(t, h.d.SetActive(true))
	assert.True(t, h.d.Active())
	require.NoError(t, h.d.SetActive(false))
	assert.False(t, h.d.Active())

	noGate := newHarness(t, Config{}, "i-1")
	assert.True(t, noGate.d.Active())
	assert.Error(t, noGate.d.SetActive(true))
}

func TestQueueStats(t *testing.T) {
	h := newHarness(t, Config{}, "i-1")
	h.sqs.add(s3Body("aws:s3", "input/video1.h264"))
	h.sqs.add(s3Body("aws:s3", "input/video2.h264"))

	stats, err := h.d.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Visible)
	assert.Equal(t, 0, stats.InFlight)
}

func TestNew_Validation(t *testing.T) {
	logger := testLogger()
	q := queue.NewClient(&fakeSQS{}, queue.Config{QueueURL: testQueueURL}, logger)
	deps := Deps{
		Queue:    q,
		Fleet:    newFakeFleet(),
		Executor: newFakeExecutor(),
		Renderer: remote.NewTemplate("run inputFile"),
	}

	_, err := New(Config{}, Deps{}, logger)
	assert.Error(t, err)

	_, err = New(Config{AckMode: "whenever"}, deps, logger)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ack mode"))

	_, err = New(Config{MaxReceiveCount: -1}, deps, logger)
	assert.Error(t, err)

	d, err := New(Config{}, deps, logger)
	require.NoError(t, err)
	assert.Equal(t, domain.AckOnSuccess, d.cfg.AckMode)
	assert.Equal(t, 10, d.cfg.MaxBatch)
	assert.Equal(t, time.Hour, d.cfg.CleanupInterval)
	assert.NotNil(t, d.deps.Ledger)
}

func TestDrain_ReceiveLimitEndsRetries(t *testing.T) {
	tests := []struct {
		name            string
		maxReceiveCount int
		wantKept        bool
	}{
		{name: "limit reached acknowledges", maxReceiveCount: 2, wantKept: false},
		{name: "no limit keeps retrying", maxReceiveCount: 0, wantKept: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxReceiveCount: tt.maxReceiveCount}, "i-1")
			h.executor.stderr["10.0.0.1"] = []string{"darknet: cannot decode frame"}
			id := h.sqs.add(s3Body("aws:s3", "input/poison.h264"))

			require.NoError(t, h.d.Drain(context.Background()))
			assert.True(t, h.sqs.has(id))

			h.sqs.expireVisibility()
			require.NoError(t, h.d.Drain(context.Background()))
			assert.Equal(t, tt.wantKept, h.sqs.has(id))

			started, stopped, _ := h.fleet.snapshot()
			assert.Equal(t, []string{"i-1", "i-1"}, started)
			assert.Equal(t, started, stopped)

			failures, err := h.ledger.ListFailures(context.Background(), 10)
			require.NoError(t, err)
			assert.Len(t, failures, 2)
			assert.Empty(t, h.sqs.completions())
		})
	}
}

func TestDrain_UnsafeObjectKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "command separator", key: "input/a;curl x|sh"},
		{name: "command substitution", key: "input/$(id)"},
		{name: "option injection", key: "input/-rf"},
		{name: "directory key", key: "input/"},
		{name: "root key", key: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, "i-1")
			id := h.sqs.add(s3Body("aws:s3", tt.key))

			require.NoError(t, h.d.Drain(context.Background()))

			started, _, _ := h.fleet.snapshot()
			assert.Empty(t, started)
			assert.Empty(t, h.executor.commandList())
			assert.Empty(t, h.sqs.completions())
			assert.False(t, h.sqs.has(id))

			failures, err := h.ledger.ListFailures(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, failures, 1)
			assert.Equal(t, id, failures[0].MessageID)

			report := h.d.LastReport()
			require.NotNil(t, report)
			require.Len(t, report.Results, 1)
			assert.ErrorIs(t, report.Results[0].Err, domain.ErrUnsafeObjectKey)
		})
	}
}
