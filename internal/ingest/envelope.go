package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Kind string

const (
	KindStartLaunch  Kind = "start_launch"
	KindFinishLaunch Kind = "finish_launch"
	KindStartItem    Kind = "start_item"
	KindFinishItem   Kind = "finish_item"
	KindAppendLog    Kind = "append_log"
)

func Kinds() []Kind {
	return []Kind{KindStartLaunch, KindFinishLaunch, KindStartItem, KindFinishItem, KindAppendLog}
}

func (k Kind) Valid() bool {
	switch k {
	case KindStartLaunch, KindFinishLaunch, KindStartItem, KindFinishItem, KindAppendLog:
		return true
	default:
		return false
	}
}

// IdempotencyKey identifies one logical request. The same correlation id may
// be reused across kinds.
type IdempotencyKey struct {
	CorrelationID string `json:"correlationId"`
	Kind          Kind   `json:"kind"`
}

func (k IdempotencyKey) String() string {
	return k.CorrelationID + "/" + string(k.Kind)
}

// Envelope is a decoded broker message. Its fields are fixed at construction
// and the payload is only handed out as a copy.
type Envelope struct {
	kind            Kind
	correlationID   string
	projectID       string
	payload         []byte
	digest          string
	deliveryAttempt int
}

// NewEnvelope validates the header fields and canonicalizes the correlation id.
// It does not check the payload against its schema; Decoder does that.
func NewEnvelope(kind Kind, correlationID, projectID string, payload []byte, deliveryAttempt int) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("kind %q", kind), Err: ErrUnknownKind}
	}
	parsed, err := uuid.Parse(strings.TrimSpace(correlationID))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "correlationId", Err: err}
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Envelope{}, &DecodeError{Reason: "projectId is required"}
	}
	digest, err := PayloadDigest(payload)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "payload", Err: err}
	}
	return Envelope{
		kind:            kind,
		correlationID:   parsed.String(),
		projectID:       projectID,
		payload:         append([]byte(nil), payload...),
		digest:          digest,
		deliveryAttempt: deliveryAttempt,
	}, nil
}

func (e Envelope) Kind() Kind {
	return e.kind
}

func (e Envelope) CorrelationID() string {
	return e.correlationID
}

func (e Envelope) ProjectID() string {
	return e.projectID
}

// DeliveryAttempt is the broker's 1-based delivery count, or 0 when unknown.
func (e Envelope) DeliveryAttempt() int {
	return e.deliveryAttempt
}

func (e Envelope) Digest() string {
	return e.digest
}

func (e Envelope) Payload() []byte {
	return append([]byte(nil), e.payload...)
}

func (e Envelope) Key() IdempotencyKey {
	return IdempotencyKey{CorrelationID: e.correlationID, Kind: e.kind}
}

func (e Envelope) decodePayload(v any) error {
	return json.Unmarshal(e.payload, v)
}

// PayloadDigest hashes the canonical form of a JSON payload: object keys sorted,
// insignificant whitespace removed, numbers kept verbatim.
func PayloadDigest(payload []byte) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type wireEnvelope struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	ProjectID     string          `json:"projectId"`
	Payload       json.RawMessage `json:"payload"`
}

// EncodeEnvelope renders the broker message body for an envelope.
func EncodeEnvelope(kind Kind, correlationID, projectID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Kind:          kind,
		CorrelationID: correlationID,
		ProjectID:     projectID,
		Payload:       raw,
	})
}

// EnvelopeHeader is the part of a message body that is readable even when the
// payload is not. Dead letters use it to stay searchable.
type EnvelopeHeader struct {
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlationId"`
	ProjectID     string `json:"projectId"`
}

func PeekHeader(body []byte) EnvelopeHeader {
	var header EnvelopeHeader
	_ = json.Unmarshal(body, &header)
	return header
}
