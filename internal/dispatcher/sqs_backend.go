package dispatcher

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/flow-like/substrate/internal/domain"
)

// SQSBackend sends a DispatchRequest onto a FIFO queue. MessageGroupId is
// set to the app_id so runs belonging to the same app are delivered in
// order relative to each other; MessageDeduplicationId is the job_id, so a
// retried dispatch for the same job within the 5-minute dedup window is
// collapsed rather than double-delivered.
type SQSBackend struct {
	Client   *sqs.Client
	QueueURL string
}

func NewSQSBackend(client *sqs.Client, queueURL string) *SQSBackend {
	return &SQSBackend{Client: client, QueueURL: queueURL}
}

func (b *SQSBackend) Name() domain.Backend { return domain.BackendSqs }

func (b *SQSBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	body := string(req.Payload)
	out, err := b.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &b.QueueURL,
		MessageBody:            &body,
		MessageGroupId:         &req.AppID,
		MessageDeduplicationId: &req.JobID,
	})
	if err != nil {
		return nil, newDispatchErr(ErrorSqs, string(b.Name()), req.JobID, err)
	}
	return &domain.DispatchResponse{JobID: req.JobID, StatusCode: 200, Payload: []byte(`{"message_id":"` + *out.MessageId + `"}`)}, nil
}
