package dispatcher

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/flow-like/substrate/internal/domain"
)

// LambdaInvokeBackend invokes a function with InvocationTypeEvent — fire
// and forget, the response carries no payload from the function itself,
// only Lambda's own acceptance status.
type LambdaInvokeBackend struct {
	Client       *lambda.Client
	FunctionName string
}

func NewLambdaInvokeBackend(client *lambda.Client, functionName string) *LambdaInvokeBackend {
	return &LambdaInvokeBackend{Client: client, FunctionName: functionName}
}

func (b *LambdaInvokeBackend) Name() domain.Backend { return domain.BackendLambdaInvoke }

func (b *LambdaInvokeBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	out, err := b.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   &b.FunctionName,
		InvocationType: types.InvocationTypeEvent,
		Payload:        req.Payload,
	})
	if err != nil {
		return nil, newDispatchErr(ErrorLambda, string(b.Name()), req.JobID, err)
	}
	if out.FunctionError != nil {
		return nil, newDispatchErr(ErrorLambda, string(b.Name()), req.JobID, fmt.Errorf("function error: %s", *out.FunctionError))
	}
	return &domain.DispatchResponse{JobID: req.JobID, StatusCode: int(out.StatusCode)}, nil
}

// LambdaStreamBackend invokes a function via InvokeWithResponseStream,
// surfacing each response-stream payload chunk as a StreamChunk.
type LambdaStreamBackend struct {
	Client       *lambda.Client
	FunctionName string
}

func NewLambdaStreamBackend(client *lambda.Client, functionName string) *LambdaStreamBackend {
	return &LambdaStreamBackend{Client: client, FunctionName: functionName}
}

func (b *LambdaStreamBackend) Name() domain.Backend { return domain.BackendLambdaStream }

func (b *LambdaStreamBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	return nil, newDispatchErr(ErrorConfiguration, string(b.Name()), req.JobID, fmt.Errorf("lambda_stream is a streaming-only backend, use DispatchStream"))
}

func (b *LambdaStreamBackend) DispatchStream(ctx context.Context, req domain.DispatchRequest) (<-chan domain.StreamChunk, error) {
	out, err := b.Client.InvokeWithResponseStream(ctx, &lambda.InvokeWithResponseStreamInput{
		FunctionName:   &b.FunctionName,
		InvocationType: types.ResponseStreamingInvocationTypeRequestResponse,
		Payload:        req.Payload,
	})
	if err != nil {
		return nil, newDispatchErr(ErrorLambda, string(b.Name()), req.JobID, err)
	}

	ch := make(chan domain.StreamChunk)
	go func() {
		defer close(ch)
		stream := out.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			switch e := event.(type) {
			case *types.InvokeWithResponseStreamResponseEventMemberPayloadChunk:
				select {
				case ch <- domain.StreamChunk{Data: e.Value.Payload}:
				case <-ctx.Done():
					return
				}
			case *types.InvokeWithResponseStreamResponseEventMemberInvokeComplete:
				var completeErr error
				if e.Value.ErrorCode != nil {
					completeErr = fmt.Errorf("%s: %s", *e.Value.ErrorCode, derefStr(e.Value.ErrorDetails))
				}
				select {
				case ch <- domain.StreamChunk{Done: true, Err: completeErr}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- domain.StreamChunk{Err: err, Done: true}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
