// Package transcribe drives the voice-to-text flow for card entry: record
// audio, submit it to the transcription endpoint, then poll the returned
// task until text comes back. The flow is modelled as a sealed state type
// advanced by a single user action, so the caller's "mic button" maps onto
// exactly one method.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/astromechza/hindsight/pkg/backoff"
)

// errorTipTime is how long an Error state lingers before the machine clears
// itself back to Idle.
const errorTipTime = 5 * time.Second

// cancelingTime is the brief pause in Canceling before returning to Idle.
const cancelingTime = 500 * time.Millisecond

var statusToErrorMessage = map[int]string{
	http.StatusBadRequest:          "Bad request. Please check your input and try again.",
	http.StatusUnauthorized:        "Unauthorized. Please check your permissions.",
	http.StatusPaymentRequired:     "Payment Required. Please check your payment details.",
	http.StatusForbidden:           "Forbidden. You do not have permission to access this resource.",
	http.StatusNotFound:            "Not Found. The requested resource could not be found.",
	http.StatusTooManyRequests:     "Too many requests. Please try again later.",
	http.StatusInternalServerError: "Server error. Please try again later.",
	http.StatusBadGateway:          "Bad Gateway. The server received an invalid response from the upstream server.",
	http.StatusServiceUnavailable:  "Service Unavailable. The server is currently unable to handle the request.",
	http.StatusGatewayTimeout:      "Gateway Timeout. The server did not receive a timely response from the upstream server.",
}

func errorMessage(statusCode int, fallback string) string {
	if msg, ok := statusToErrorMessage[statusCode]; ok {
		return msg
	}
	return fallback
}

// StopFunc finishes a recording and returns the captured audio.
type StopFunc func() ([]byte, error)

// Recorder starts capturing audio and hands back the stop function. The
// real implementation wraps the platform microphone; tests substitute a
// canned clip.
type Recorder interface {
	Record() (StopFunc, error)
}

// State is the sealed set of machine states. Exactly one is current at any
// time; callers switch on the concrete type.
type State interface{ isState() }

// Idle means nothing is in flight. Advance starts a recording.
type Idle struct{}

// Hearing means audio capture is running. Advance stops it and submits.
type Hearing struct{ stop StopFunc }

// Processing covers the short window while the recorder finalizes the clip.
// Advance is ignored here.
type Processing struct{}

// Sending means the clip upload is in flight. Advance cancels it.
type Sending struct{ cancel context.CancelFunc }

// Polling means the submission was accepted and the machine is waiting on
// the task result. Advance cancels the poll.
type Polling struct {
	TaskID  string
	Attempt int
	cancel  context.CancelFunc
}

// Canceling is the brief acknowledgement after a cancel, then Idle.
type Canceling struct{}

// Error surfaces a user-facing message, then clears itself back to Idle.
// Advance dismisses it immediately.
type Error struct{ Message string }

func (Idle) isState()       {}
func (Hearing) isState()    {}
func (Processing) isState() {}
func (Sending) isState()    {}
func (Polling) isState()    {}
func (Canceling) isState()  {}
func (Error) isState()      {}

type submissionResponse struct {
	TaskID string `json:"taskId"`
}

type statusResponse struct {
	Status string `json:"status"`
	Result *struct {
		Data string `json:"data"`
	} `json:"result"`
	Error string `json:"error"`
}

// Config wires a Machine.
type Config struct {
	// BaseURL is the transcription service root, e.g. http://host:5000.
	BaseURL string
	// Recorder captures audio clips.
	Recorder Recorder
	// OnText receives the transcribed text on success.
	OnText func(text string)
	// OnState, when set, observes every state change.
	OnState func(State)
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Backoff governs poll spacing and the retry cap. The zero value is
	// replaced by backoff.DefaultPolling.
	Backoff backoff.Policy
}

// Machine is the recording/transcription state machine. All methods are
// safe for concurrent use.
type Machine struct {
	cfg Config

	mu    sync.Mutex
	state State
	timer *time.Timer
	wg    sync.WaitGroup
}

// New returns a machine in the Idle state.
func New(cfg Config) *Machine {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolling()
	}
	return &Machine{cfg: cfg, state: Idle{}}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance performs the one user action meaningful in the current state:
// start recording, stop and submit, cancel the in-flight work, or dismiss
// an error. Processing and Canceling ignore it.
func (m *Machine) Advance() {
	m.mu.Lock()
	switch st := m.state.(type) {
	case Idle:
		stop, err := m.cfg.Recorder.Record()
		if err != nil {
			m.setErrorLocked(fmt.Sprintf("Failed to start recording: %v", err))
			m.mu.Unlock()
			return
		}
		m.setStateLocked(Hearing{stop: stop})
		m.mu.Unlock()
	case Hearing:
		m.setStateLocked(Processing{})
		m.mu.Unlock()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.finishRecording(st.stop)
		}()
	case Sending:
		st.cancel()
		m.enterCancelingLocked()
		m.mu.Unlock()
	case Polling:
		st.cancel()
		m.enterCancelingLocked()
		m.mu.Unlock()
	case Error:
		m.setStateLocked(Idle{})
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}

// Close cancels any in-flight work and waits for it to settle.
func (m *Machine) Close() {
	m.mu.Lock()
	switch st := m.state.(type) {
	case Sending:
		st.cancel()
	case Polling:
		st.cancel()
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// setStateLocked replaces the state and stops any pending auto-clear timer.
func (m *Machine) setStateLocked(st State) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = st
	if m.cfg.OnState != nil {
		m.cfg.OnState(st)
	}
}

func (m *Machine) setErrorLocked(message string) {
	slog.Info("transcription error", "message", message)
	m.setStateLocked(Error{Message: message})
	m.timer = m.clearAfter(errorTipTime, Error{Message: message})
}

func (m *Machine) enterCancelingLocked() {
	m.setStateLocked(Canceling{})
	m.timer = m.clearAfter(cancelingTime, Canceling{})
}

// clearAfter schedules a fall-back to Idle, guarded so a state change in the
// meantime wins over the timer.
func (m *Machine) clearAfter(d time.Duration, from State) *time.Timer {
	return time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == from {
			m.setStateLocked(Idle{})
		}
	})
}

func (m *Machine) finishRecording(stop StopFunc) {
	audio, err := stop()
	if err != nil {
		m.mu.Lock()
		m.setErrorLocked(fmt.Sprintf("Failed to capture audio: %v", err))
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.mu.Lock()
	if _, ok := m.state.(Processing); !ok {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Sending{cancel: cancel})
	m.mu.Unlock()

	taskID, err := m.submit(ctx, audio)
	if err != nil {
		m.fail(ctx, err)
		return
	}

	m.mu.Lock()
	if _, ok := m.state.(Sending); !ok {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Polling{TaskID: taskID, cancel: cancel})
	m.mu.Unlock()

	text, err := m.poll(ctx, taskID)
	if err != nil {
		m.fail(ctx, err)
		return
	}

	m.mu.Lock()
	if _, ok := m.state.(Polling); ok {
		m.setStateLocked(Idle{})
	}
	m.mu.Unlock()
	if m.cfg.OnText != nil {
		m.cfg.OnText(text)
	}
}

// fail places the machine in Error unless the work was cancelled on
// purpose, in which case Canceling already owns the transition.
func (m *Machine) fail(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	m.setErrorLocked(err.Error())
	m.mu.Unlock()
}

func (m *Machine) submit(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/transcribe", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to build submission: %w", err)
	}
	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription failed. Please try again: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", errors.New(errorMessage(resp.StatusCode, fmt.Sprintf("Unexpected error: %s", resp.Status)))
	}
	var sub submissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("failed to decode submission response: %w", err)
	}
	if sub.TaskID == "" {
		return "", errors.New("Invalid server response: missing task ID")
	}
	return sub.TaskID, nil
}

// poll checks the task status until it completes, fails, or the retry
// budget runs out.
func (m *Machine) poll(ctx context.Context, taskID string) (string, error) {
	for attempt := 0; ; attempt++ {
		if m.cfg.Backoff.Exhausted(attempt) {
			return "", errors.New("Transcription timeout after maximum polling attempts. Please try again.")
		}
		status, err := m.check(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "completed":
			if status.Result == nil || status.Result.Data == "" {
				return "", errors.New("Transcription completed but no text was returned")
			}
			return status.Result.Data, nil
		case "failed":
			if status.Error != "" {
				return "", errors.New(status.Error)
			}
			return "", errors.New("Transcription failed on the server")
		case "pending", "processing":
		default:
			return "", fmt.Errorf("Unknown transcription status: %s", status.Status)
		}

		m.mu.Lock()
		if st, ok := m.state.(Polling); ok {
			m.setStateLocked(Polling{TaskID: taskID, Attempt: attempt + 1, cancel: st.cancel})
		}
		m.mu.Unlock()
		if err := m.cfg.Backoff.Wait(ctx, attempt); err != nil {
			return "", err
		}
	}
}

func (m *Machine) check(ctx context.Context, taskID string) (statusResponse, error) {
	var status statusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/transcribe/"+taskID, nil)
	if err != nil {
		return status, fmt.Errorf("failed to build status request: %w", err)
	}
	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return status, fmt.Errorf("network error during transcription status check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return status, errors.New(errorMessage(resp.StatusCode, fmt.Sprintf("Transcription status check failed: %s", resp.Status)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("failed to decode status response: %w", err)
	}
	return status, nil
}
