// Package delivery speaks the push provider protocols. A Sender attempts one
// delivery to one device endpoint and classifies the outcome; it never touches
// registry or history state.
package delivery

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lalithlochan/propush/internal/db"
)

// ErrUnsupportedEndpoint is reported when no registered sender accepts an endpoint.
var ErrUnsupportedEndpoint = errors.New("no sender supports endpoint")

// FailureKind classifies a failed delivery.
type FailureKind string

const (
	// FailureNone marks a successful delivery.
	FailureNone FailureKind = ""
	// FailureExpired means the provider permanently invalidated the endpoint.
	FailureExpired FailureKind = "expired"
	// FailureOther is any transient or unknown failure. No state changes follow it.
	FailureOther FailureKind = "other"
)

// Result is the outcome of one Sender call.
type Result struct {
	Provider   string
	Success    bool
	Failure    FailureKind
	StatusCode int
	Err        error
}

// Outcome is the metrics label for the result.
func (r Result) Outcome() string {
	if r.Success {
		return "success"
	}
	return string(r.Failure)
}

func succeeded(status int) Result {
	return Result{Success: true, StatusCode: status}
}

func failed(kind FailureKind, status int, err error) Result {
	return Result{Failure: kind, StatusCode: status, Err: err}
}

// Sender delivers a payload to one device endpoint.
type Sender interface {
	Name() string
	Supports(endpoint string) bool
	Send(ctx context.Context, sub *db.DeviceSubscription, payload *Payload) Result
}

// Payload is the message body every provider receives in some shape. Data.NotificationID
// carries the history record id back to the client for interaction tracking.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Icon  string      `json:"icon,omitempty"`
	Image string      `json:"image,omitempty"`
	URL   string      `json:"url,omitempty"`
	Data  PayloadData `json:"data"`
}

type PayloadData struct {
	NotificationID string            `json:"notification_id"`
	Type           string            `json:"type,omitempty"`
	RelatedID      string            `json:"related_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewPayload builds the device payload for a message recorded under historyID.
func NewPayload(historyID uuid.UUID, msg *db.OutboundMessage) *Payload {
	p := &Payload{
		Title: msg.Title,
		Body:  msg.Body,
		Icon:  msg.Icon,
		Image: msg.Image,
		URL:   msg.ActionURL,
		Data: PayloadData{
			NotificationID: historyID.String(),
			Type:           msg.Category,
			Metadata:       msg.Metadata,
		},
	}
	if msg.RelatedID != nil {
		p.Data.RelatedID = *msg.RelatedID
	}
	return p
}

// flatData renders Data as the string map mobile providers expect.
func (p *Payload) flatData() map[string]string {
	out := map[string]string{"notification_id": p.Data.NotificationID}
	if p.Data.Type != "" {
		out["type"] = p.Data.Type
	}
	if p.Data.RelatedID != "" {
		out["related_id"] = p.Data.RelatedID
	}
	if p.URL != "" {
		out["url"] = p.URL
	}
	for k, v := range p.Data.Metadata {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// EndpointHost names the provider host an endpoint belongs to. SNS endpoint ARNs map
// to the regional SNS host.
func EndpointHost(endpoint string) string {
	if arn, ok := parseSNSArn(endpoint); ok {
		return "sns." + arn.region + ".amazonaws.com"
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ShortEndpoint trims an endpoint for logs. Endpoints embed device tokens.
func ShortEndpoint(endpoint string) string {
	const max = 48
	if len(endpoint) <= max {
		return endpoint
	}
	return endpoint[:max] + "..."
}
