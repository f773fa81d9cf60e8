// ============================================================================
// stageflow Transport - 訊息信封
// ============================================================================
//
// Package: internal/transport
// 文件: envelope.go
// 功能: 在 orchestrator 與 worker 之間傳遞的訊息格式 (與 broker 技術無關)
//
// 種類:
//   run.created      API → orchestrator，run 已建立
//   stage.dispatch   orchestrator → worker，派發一個階段
//   stage.succeeded  worker → orchestrator，階段成功 (payload 為結果)
//   stage.failed     worker → orchestrator，階段失敗 (payload 為原因)
//   run.cancel       orchestrator → worker，取消通知 (僅供參考，worker 可忽略)
//
// ============================================================================

package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindRunCreated Kind = "run.created"
	KindDispatch   Kind = "stage.dispatch"
	KindSucceeded  Kind = "stage.succeeded"
	KindFailed     Kind = "stage.failed"
	KindCancel     Kind = "run.cancel"
)

// IsResult reports whether the kind is a worker outcome.
func (k Kind) IsResult() bool {
	return k == KindSucceeded || k == KindFailed
}

// Payload content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Header keys.
const (
	HeaderTraceID     = "trace-id"
	HeaderTraceparent = "traceparent"
	HeaderTracestate  = "tracestate"

	// HeaderTimeout carries the dispatch deadline budget (time.Duration string) to workers.
	HeaderTimeout = "stageflow-timeout"

	// TransportPropertyPrefix marks run labels that are forwarded to the transport backend,
	// e.g. "transport.image" selects the worker image tag for the kubernetes backend.
	TransportPropertyPrefix = "transport."
)

// ErrContractViolation marks envelopes that can never be processed (malformed or missing fields).
var ErrContractViolation = errors.New("contract violation")

// Payload 不透明的 bytes 加上 content type
type Payload struct {
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Envelope 傳輸層上的一筆訊息
type Envelope struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	CorrelationID types.JobID       `json:"correlation_id,omitempty"` // = Job ID
	RunID         types.RunID       `json:"run_id"`
	StageIndex    int               `json:"stage_index"`
	Stage         types.StageType   `json:"stage,omitempty"`
	Attempt       int               `json:"attempt,omitempty"`
	Payload       Payload           `json:"payload"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	Headers       map[string]string `json:"headers,omitempty"`

	// DeliveryCount 由 backend 在接收時填入，不參與序列化比較
	DeliveryCount int `json:"delivery_count,omitempty"`
}

// NewEnvelope returns an envelope with a fresh message ID and enqueue time.
func NewEnvelope(kind Kind, runID types.RunID) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		RunID:      runID,
		EnqueuedAt: time.Now().UTC(),
		Headers:    make(map[string]string),
	}
}

// NewDispatch builds the dispatch message for job.
func NewDispatch(run *types.Run, job *types.Job) Envelope {
	env := NewEnvelope(KindDispatch, run.ID)
	env.CorrelationID = job.ID
	env.StageIndex = job.StageIndex
	env.Stage = job.Stage
	env.Attempt = job.Attempt
	if st, ok := run.Stage(job.StageIndex); ok && len(st.Config) > 0 {
		env.Payload = Payload{Data: append([]byte(nil), st.Config...), ContentType: ContentTypeJSON}
	}
	env.SetTransportProperties(run.Labels)
	return env
}

// NewResult builds the worker reply to dispatch. A nil failure means success with result as
// payload; otherwise the failure text is the payload.
func NewResult(dispatch Envelope, result []byte, failure error) Envelope {
	kind := KindSucceeded
	payload := Payload{Data: result, ContentType: ContentTypeJSON}
	if failure != nil {
		kind = KindFailed
		payload = Payload{Data: []byte(failure.Error()), ContentType: ContentTypeText}
	}
	env := NewEnvelope(kind, dispatch.RunID)
	env.CorrelationID = dispatch.CorrelationID
	env.StageIndex = dispatch.StageIndex
	env.Stage = dispatch.Stage
	env.Attempt = dispatch.Attempt
	env.Payload = payload
	for _, k := range []string{HeaderTraceID, HeaderTraceparent, HeaderTracestate} {
		if v, ok := dispatch.Headers[k]; ok {
			env.Headers[k] = v
		}
	}
	return env
}

// FailureReason returns the failure text carried by a stage.failed envelope.
func (e Envelope) FailureReason() string {
	if e.Kind != KindFailed {
		return ""
	}
	reason := strings.TrimSpace(string(e.Payload.Data))
	if reason == "" {
		return "unknown failure"
	}
	return reason
}

// Validate checks that the fields mandatory for the envelope kind are present.
func (e Envelope) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("%w: %s envelope without run id", ErrContractViolation, e.Kind)
	}
	switch e.Kind {
	case KindRunCreated, KindCancel:
		return nil
	case KindDispatch, KindSucceeded, KindFailed:
		if e.CorrelationID == "" {
			return fmt.Errorf("%w: %s envelope without correlation id", ErrContractViolation, e.Kind)
		}
		if e.Attempt < 1 {
			return fmt.Errorf("%w: %s envelope with attempt %d", ErrContractViolation, e.Kind, e.Attempt)
		}
		if e.Kind == KindDispatch && e.Stage == "" {
			return fmt.Errorf("%w: dispatch envelope without stage", ErrContractViolation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrContractViolation, e.Kind)
	}
}

// Clone returns a deep copy.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload.Data != nil {
		c.Payload.Data = append([]byte(nil), e.Payload.Data...)
	}
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// SetTransportProperties copies every label with the transport prefix into the headers.
func (e *Envelope) SetTransportProperties(labels map[string]string) {
	for k, v := range labels {
		if strings.HasPrefix(k, TransportPropertyPrefix) {
			if e.Headers == nil {
				e.Headers = make(map[string]string)
			}
			e.Headers[k] = v
		}
	}
}

// TransportProperties returns the transport headers with the prefix removed.
func (e Envelope) TransportProperties() map[string]string {
	props := make(map[string]string)
	for k, v := range e.Headers {
		if name, ok := strings.CutPrefix(k, TransportPropertyPrefix); ok {
			props[name] = v
		}
	}
	return props
}
