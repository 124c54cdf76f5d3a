package dispatcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flow-like/substrate/internal/domain"
)

// kafkaRestRecord mirrors the Confluent REST Proxy v2 produce-request
// shape: one record with a base64 value and a string key (the partition key).
type kafkaRestRecord struct {
	Key   kafkaRestValue `json:"key"`
	Value kafkaRestValue `json:"value"`
}

type kafkaRestValue struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type kafkaRestProduceRequest struct {
	Records []kafkaRestRecord `json:"records"`
}

// KafkaBackend posts a single record to a topic via the Kafka REST proxy,
// keyed by app_id so all runs for one app land on the same partition and
// preserve per-app ordering.
type KafkaBackend struct {
	RestProxyURL string
	Topic        string
	Client       *http.Client
}

func NewKafkaBackend(restProxyURL, topic string, timeout time.Duration) *KafkaBackend {
	return &KafkaBackend{
		RestProxyURL: strings.TrimSuffix(restProxyURL, "/"),
		Topic:        topic,
		Client:       &http.Client{Timeout: timeout},
	}
}

func (b *KafkaBackend) Name() domain.Backend { return domain.BackendKafka }

func (b *KafkaBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	body := kafkaRestProduceRequest{
		Records: []kafkaRestRecord{{
			Key:   kafkaRestValue{Type: "STRING", Data: req.AppID},
			Value: kafkaRestValue{Type: "BINARY", Data: base64.StdEncoding.EncodeToString(req.Payload)},
		}},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, newDispatchErr(ErrorSerialization, string(b.Name()), req.JobID, err)
	}

	url := fmt.Sprintf("%s/topics/%s", b.RestProxyURL, b.Topic)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, newDispatchErr(ErrorKafka, string(b.Name()), req.JobID, err)
	}
	httpReq.Header.Set("Content-Type", "application/vnd.kafka.binary.v2+json")
	httpReq.Header.Set("Accept", "application/vnd.kafka.v2+json")

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, newDispatchErr(ErrorKafka, string(b.Name()), req.JobID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newDispatchErr(ErrorKafka, string(b.Name()), req.JobID, err)
	}
	if resp.StatusCode >= 400 {
		return nil, newDispatchErr(ErrorKafka, string(b.Name()), req.JobID, fmt.Errorf("rest proxy returned %d: %s", resp.StatusCode, respBody))
	}

	return &domain.DispatchResponse{JobID: req.JobID, StatusCode: resp.StatusCode, Payload: respBody}, nil
}
