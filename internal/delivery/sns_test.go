package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

const testEndpointArn = "arn:aws:sns:eu-west-1:123456789012:endpoint/GCM/propush-android/5a1c"

type fakePublisher struct {
	err   error
	calls []*sns.PublishInput
}

func (f *fakePublisher) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSSender_Supports(t *testing.T) {
	s := NewSNSSenderWithClient(&fakePublisher{}, zap.NewNop())
	tests := []struct {
		endpoint string
		want     bool
	}{
		{testEndpointArn, true},
		{"arn:aws:sns:eu-west-1:123456789012:", false},
		{"arn:aws:sqs:eu-west-1:123456789012:queue", false},
		{"https://fcm.googleapis.com/fcm/send/x", false},
	}
	for _, tt := range tests {
		if got := s.Supports(tt.endpoint); got != tt.want {
			t.Errorf("Supports(%q) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestSNSSender_PublishesPlatformMessage(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSNSSenderWithClient(pub, zap.NewNop())
	payload := testPayload()

	res := s.Send(context.Background(), testSubscription(t, testEndpointArn), payload)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d", len(pub.calls))
	}

	in := pub.calls[0]
	if aws.ToString(in.TargetArn) != testEndpointArn {
		t.Fatalf("target arn = %q", aws.ToString(in.TargetArn))
	}
	if aws.ToString(in.MessageStructure) != "json" {
		t.Fatalf("message structure = %q", aws.ToString(in.MessageStructure))
	}

	var doc map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &doc); err != nil {
		t.Fatalf("message is not json: %v", err)
	}
	if doc["default"] != payload.Body {
		t.Fatalf("default = %q", doc["default"])
	}

	var gcm struct {
		Notification map[string]string `json:"notification"`
		Data         map[string]string `json:"data"`
	}
	if err := json.Unmarshal([]byte(doc["GCM"]), &gcm); err != nil {
		t.Fatalf("GCM value is not json: %v", err)
	}
	if gcm.Notification["title"] != payload.Title {
		t.Fatalf("gcm title = %q", gcm.Notification["title"])
	}
	if gcm.Data["notification_id"] != payload.Data.NotificationID {
		t.Fatalf("gcm notification_id = %q", gcm.Data["notification_id"])
	}
	if _, ok := doc["APNS"]; !ok {
		t.Fatal("APNS payload missing")
	}
}

func TestSNSSender_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"endpoint disabled", &types.EndpointDisabledException{Message: aws.String("Endpoint is disabled")}, FailureExpired},
		{"not found", &types.NotFoundException{Message: aws.String("No endpoint found")}, FailureExpired},
		{"throttled", &types.ThrottledException{Message: aws.String("slow down")}, FailureOther},
		{"network", errors.New("dial tcp: i/o timeout"), FailureOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSNSSenderWithClient(&fakePublisher{err: tt.err}, zap.NewNop())
			res := s.Send(context.Background(), testSubscription(t, testEndpointArn), testPayload())
			if res.Success || res.Failure != tt.want {
				t.Fatalf("failure = %q, want %q", res.Failure, tt.want)
			}
			if !errors.Is(res.Err, tt.err) {
				t.Fatalf("result should wrap the provider error, got %v", res.Err)
			}
		})
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"https://FCM.googleapis.com/fcm/send/x", "fcm.googleapis.com"},
		{"https://updates.push.services.mozilla.com:443/wpush/v2/x", "updates.push.services.mozilla.com"},
		{testEndpointArn, "sns.eu-west-1.amazonaws.com"},
		{"garbage", "unknown"},
	}
	for _, tt := range tests {
		if got := EndpointHost(tt.endpoint); got != tt.want {
			t.Errorf("EndpointHost(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}
