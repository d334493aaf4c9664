package transcribe_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/hindsight/pkg/backoff"
	"github.com/astromechza/hindsight/pkg/transcribe"
)

type cannedRecorder struct {
	clip    []byte
	err     error
	stopErr error
}

func (r *cannedRecorder) Record() (transcribe.StopFunc, error) {
	if r.err != nil {
		return nil, r.err
	}
	return func() ([]byte, error) { return r.clip, r.stopErr }, nil
}

// fakeService mimics the transcription endpoints: a submit that hands out a
// task id and a status endpoint scripted per test.
type fakeService struct {
	mu       sync.Mutex
	received []byte
	statuses []string // drained one per status request, last repeats
	result   string
	taskErr  string
}

func (f *fakeService) handler() http.Handler {
	router := mux.NewRouter()
	router.Methods(http.MethodPost).Path("/transcribe").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.received = body
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"taskId":"task-1"}`))
	})
	router.Methods(http.MethodGet).Path("/transcribe/{task}").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
		result, taskErr := f.result, f.taskErr
		f.mu.Unlock()
		switch status {
		case "completed":
			_, _ = w.Write([]byte(`{"status":"completed","result":{"data":"` + result + `"}}`))
		case "failed":
			_, _ = w.Write([]byte(`{"status":"failed","error":"` + taskErr + `"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
		}
	})
	return router
}

func fastPolling() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxRetries: 30}
}

func TestMachine_HappyPath(t *testing.T) {
	svc := &fakeService{statuses: []string{"pending", "processing", "completed"}, result: "Hello board"}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	var got atomic.Value
	m := transcribe.New(transcribe.Config{
		BaseURL:  srv.URL,
		Recorder: &cannedRecorder{clip: []byte("audio-bytes")},
		Backoff:  fastPolling(),
		OnText:   func(text string) { got.Store(text) },
	})
	defer m.Close()

	assert.IsType(t, transcribe.Idle{}, m.State())
	m.Advance()
	assert.IsType(t, transcribe.Hearing{}, m.State())
	m.Advance()

	require.Eventually(t, func() bool { return got.Load() != nil }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Hello board", got.Load())
	assert.IsType(t, transcribe.Idle{}, m.State())
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []byte("audio-bytes"), svc.received)
}

func TestMachine_TaskFailure(t *testing.T) {
	svc := &fakeService{statuses: []string{"failed"}, taskErr: "model crashed"}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	m := transcribe.New(transcribe.Config{
		BaseURL:  srv.URL,
		Recorder: &cannedRecorder{clip: []byte("x")},
		Backoff:  fastPolling(),
	})
	defer m.Close()

	m.Advance()
	m.Advance()
	require.Eventually(t, func() bool {
		_, ok := m.State().(transcribe.Error)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "model crashed", m.State().(transcribe.Error).Message)

	// an error dismisses back to idle on the next action
	m.Advance()
	assert.IsType(t, transcribe.Idle{}, m.State())
}

func TestMachine_SubmitErrorUsesStatusMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	m := transcribe.New(transcribe.Config{
		BaseURL:  srv.URL,
		Recorder: &cannedRecorder{clip: []byte("x")},
		Backoff:  fastPolling(),
	})
	defer m.Close()

	m.Advance()
	m.Advance()
	require.Eventually(t, func() bool {
		if st, ok := m.State().(transcribe.Error); ok {
			return st.Message == "Too many requests. Please try again later."
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMachine_PollingTimesOut(t *testing.T) {
	svc := &fakeService{statuses: []string{"pending"}}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	m := transcribe.New(transcribe.Config{
		BaseURL:  srv.URL,
		Recorder: &cannedRecorder{clip: []byte("x")},
		Backoff:  backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxRetries: 3},
	})
	defer m.Close()

	m.Advance()
	m.Advance()
	require.Eventually(t, func() bool {
		st, ok := m.State().(transcribe.Error)
		return ok && st.Message == "Transcription timeout after maximum polling attempts. Please try again."
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMachine_CancelWhilePolling(t *testing.T) {
	svc := &fakeService{statuses: []string{"pending"}}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	var onText atomic.Bool
	m := transcribe.New(transcribe.Config{
		BaseURL:  srv.URL,
		Recorder: &cannedRecorder{clip: []byte("x")},
		Backoff:  backoff.Policy{Initial: 20 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 1, MaxRetries: 1000},
		OnText:   func(string) { onText.Store(true) },
	})
	defer m.Close()

	m.Advance()
	m.Advance()
	require.Eventually(t, func() bool {
		_, ok := m.State().(transcribe.Polling)
		return ok
	}, 5*time.Second, 2*time.Millisecond)

	m.Advance()
	assert.IsType(t, transcribe.Canceling{}, m.State())

	// canceling settles back to idle, never into error or a late result
	require.Eventually(t, func() bool {
		_, ok := m.State().(transcribe.Idle)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, onText.Load())
}

func TestMachine_RecorderFailure(t *testing.T) {
	m := transcribe.New(transcribe.Config{
		BaseURL:  "http://127.0.0.1:1",
		Recorder: &cannedRecorder{err: errors.New("no microphone")},
		Backoff:  fastPolling(),
	})
	defer m.Close()

	m.Advance()
	st, ok := m.State().(transcribe.Error)
	require.True(t, ok)
	assert.Contains(t, st.Message, "no microphone")
}

func TestMachine_IgnoresAdvanceWhileProcessing(t *testing.T) {
	block := make(chan struct{})
	rec := &cannedRecorder{clip: []byte("x")}
	m := transcribe.New(transcribe.Config{
		BaseURL: "http://127.0.0.1:1",
		Recorder: recorderFunc(func() (transcribe.StopFunc, error) {
			return func() ([]byte, error) {
				<-block
				return rec.clip, nil
			}, nil
		}),
		Backoff: fastPolling(),
	})
	defer m.Close()

	m.Advance()
	m.Advance()
	assert.IsType(t, transcribe.Processing{}, m.State())
	m.Advance() // no-op
	assert.IsType(t, transcribe.Processing{}, m.State())
	close(block)
}

type recorderFunc func() (transcribe.StopFunc, error)

func (f recorderFunc) Record() (transcribe.StopFunc, error) { return f() }
