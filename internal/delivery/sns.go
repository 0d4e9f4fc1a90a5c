package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
)

// SNSPublisher is the slice of the SNS client SNSSender uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig selects the region and an optional endpoint override (LocalStack).
type SNSConfig struct {
	Region   string
	Endpoint string
}

// SNSSender delivers to AWS SNS mobile platform endpoints
// (arn:aws:sns:<region>:<account>:endpoint/<platform>/<app>/<id>).
type SNSSender struct {
	client SNSPublisher
	logger *zap.Logger
}

// NewSNSSender builds an SNS client from the default AWS credential chain.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	var opts []func(*sns.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg, opts...), logger), nil
}

// NewSNSSenderWithClient wraps an existing publisher.
func NewSNSSenderWithClient(client SNSPublisher, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

func (s *SNSSender) Name() string { return "sns" }

func (s *SNSSender) Supports(endpoint string) bool {
	arn, ok := parseSNSArn(endpoint)
	return ok && arn.resource != ""
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *SNSSender) Send(ctx context.Context, sub *db.DeviceSubscription, payload *Payload) Result {
	message, err := snsMessage(payload)
	if err != nil {
		return failed(FailureOther, 0, err)
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(sub.Endpoint),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notification_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(payload.Data.NotificationID),
			},
		},
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var notFound *types.NotFoundException
		if errors.As(err, &disabled) || errors.As(err, &notFound) {
			s.logger.Info("sns endpoint disabled",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
			return failed(FailureExpired, 0, fmt.Errorf("sns endpoint gone: %w", err))
		}
		return failed(FailureOther, 0, fmt.Errorf("failed to publish to SNS: %w", err))
	}

	s.logger.Debug("sns message published",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return succeeded(0)
}

// snsMessage builds the per-platform JSON document SNS expects with
// MessageStructure=json. Platform values are themselves JSON strings.
func snsMessage(p *Payload) (string, error) {
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": p.Title,
			"body":  p.Body,
		},
		"data": p.flatData(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal GCM payload: %w", err)
	}

	apns := map[string]any{
		"aps": map[string]any{
			"alert": apnsAlert{Title: p.Title, Body: p.Body},
			"sound": "default",
		},
	}
	for k, v := range p.flatData() {
		apns[k] = v
	}
	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", fmt.Errorf("marshal APNS payload: %w", err)
	}

	doc, err := json.Marshal(map[string]string{
		"default":      p.Body,
		"GCM":          string(gcm),
		"APNS":         string(apnsJSON),
		"APNS_SANDBOX": string(apnsJSON),
	})
	if err != nil {
		return "", fmt.Errorf("marshal SNS message: %w", err)
	}
	return string(doc), nil
}

type snsArn struct {
	region   string
	account  string
	resource string
}

func parseSNSArn(endpoint string) (snsArn, bool) {
	if !strings.HasPrefix(endpoint, "arn:aws:sns:") {
		return snsArn{}, false
	}
	parts := strings.SplitN(endpoint, ":", 6)
	if len(parts) != 6 || parts[3] == "" {
		return snsArn{}, false
	}
	return snsArn{region: parts[3], account: parts[4], resource: parts[5]}, true
}
