package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/objectstore"
	"github.com/google/uuid"
)

// DynamoStore is the distributed state store backend: one table for runs
// (PK run_id, GSI app_id-created_at-index) and one for events (PK run_id,
// SK sequence, GSI event_id-index for MarkEventsDelivered's by-event_id
// lookup). Expiry relies on DynamoDB's native TTL attribute, so
// DeleteExpiredRuns is a no-op here — the table prunes itself.
type DynamoStore struct {
	client     *dynamodb.Client
	runsTable  string
	eventsTable string
	spill      *spillover
}

// NewDynamoStore wraps an existing DynamoDB client. runsTable and
// eventsTable are expected to already exist (provisioned out of band, as
// is conventional for DynamoDB-backed services).
func NewDynamoStore(client *dynamodb.Client, runsTable, eventsTable string, blobs objectstore.Store) *DynamoStore {
	return &DynamoStore{client: client, runsTable: runsTable, eventsTable: eventsTable, spill: newSpillover(blobs)}
}

func (s *DynamoStore) Close() error { return nil }

type dynamoRunItem struct {
	RunID            string  `dynamodbav:"run_id"`
	AppID            string  `dynamodbav:"app_id"`
	BoardID          string  `dynamodbav:"board_id"`
	BoardVersion     string  `dynamodbav:"board_version,omitempty"`
	EventID          string  `dynamodbav:"event_id,omitempty"`
	Mode             string  `dynamodbav:"mode"`
	Status           string  `dynamodbav:"status"`
	InputPayloadLen  int     `dynamodbav:"input_payload_len"`
	OutputPayloadLen int     `dynamodbav:"output_payload_len"`
	Progress         int     `dynamodbav:"progress"`
	CurrentStep      string  `dynamodbav:"current_step,omitempty"`
	StartedAt        string  `dynamodbav:"started_at,omitempty"`
	CompletedAt      string  `dynamodbav:"completed_at,omitempty"`
	ExpiresAt        int64   `dynamodbav:"expires_at"` // unix seconds, TTL attribute
	UserID           string  `dynamodbav:"user_id,omitempty"`
	CreatedAt        string  `dynamodbav:"created_at"`
	UpdatedAt        string  `dynamodbav:"updated_at"`
	ErrorMessage     string  `dynamodbav:"error_message,omitempty"`
}

func (s *DynamoStore) CreateRun(ctx context.Context, in domain.CreateRunInput) (*domain.Run, error) {
	now := time.Now().UTC()
	runID := in.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	expiresAt := now.Add(domain.DefaultRunTTL)
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	run := &domain.Run{
		RunID: runID, AppID: in.AppID, BoardID: in.BoardID, BoardVersion: in.BoardVersion,
		EventID: in.EventID, Mode: in.Mode, Status: domain.StatusPending,
		InputPayloadLen: in.InputPayloadLen, ExpiresAt: expiresAt, UserID: in.UserID,
		CreatedAt: now, UpdatedAt: now,
	}

	item := runToItem(run)
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, newErr(ErrorSerialization, "CreateRun", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.runsTable), Item: av})
	if err != nil {
		return nil, newErr(ErrorDatabase, "CreateRun", err)
	}
	return run, nil
}

func (s *DynamoStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.runsTable),
		Key:       map[string]types.AttributeValue{"run_id": &types.AttributeValueMemberS{Value: runID}},
	})
	if err != nil {
		return nil, newErr(ErrorDatabase, "GetRun", err)
	}
	if out.Item == nil {
		return nil, newErr(ErrorNotFound, "GetRun", fmt.Errorf("run %q", runID))
	}

	var item dynamoRunItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, newErr(ErrorSerialization, "GetRun", err)
	}
	return itemToRun(item), nil
}

// GetRunForApp enforces tenant scope at the application level: the runs
// table's primary key is run_id alone, so a GetItem is followed by an
// AppID equality check rather than a key-level filter.
func (s *DynamoStore) GetRunForApp(ctx context.Context, runID, appID string) (*domain.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.AppID != appID {
		return nil, newErr(ErrorNotFound, "GetRunForApp", fmt.Errorf("run %q for app %q", runID, appID))
	}
	return run, nil
}

func (s *DynamoStore) UpdateRun(ctx context.Context, runID string, in domain.UpdateRunInput) (*domain.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, newErr(ErrorTerminalRun, "UpdateRun", fmt.Errorf("run %q is already %s", runID, run.Status))
	}

	if in.Status != nil {
		run.Status = *in.Status
	}
	if in.OutputPayloadLen != nil {
		run.OutputPayloadLen = *in.OutputPayloadLen
	}
	if in.Progress != nil {
		run.Progress = *in.Progress
	}
	if in.CurrentStep != nil {
		run.CurrentStep = *in.CurrentStep
	}
	if in.StartedAt != nil {
		run.StartedAt = in.StartedAt
	}
	if in.CompletedAt != nil {
		run.CompletedAt = in.CompletedAt
	}
	if in.ErrorMessage != nil {
		run.ErrorMessage = *in.ErrorMessage
	}
	run.UpdatedAt = time.Now().UTC()

	item := runToItem(run)
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, newErr(ErrorSerialization, "UpdateRun", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.runsTable), Item: av})
	if err != nil {
		return nil, newErr(ErrorDatabase, "UpdateRun", err)
	}
	return run, nil
}

func (s *DynamoStore) ListRunsByApp(ctx context.Context, appID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.runsTable),
		IndexName:              aws.String("app_id-created_at-index"),
		KeyConditionExpression: aws.String("app_id = :app_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":app_id": &types.AttributeValueMemberS{Value: appID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, newErr(ErrorDatabase, "ListRunsByApp", err)
	}

	runs := make([]*domain.Run, 0, len(out.Items))
	for _, rawItem := range out.Items {
		var item dynamoRunItem
		if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
			return nil, newErr(ErrorSerialization, "ListRunsByApp", err)
		}
		runs = append(runs, itemToRun(item))
	}
	return runs, nil
}

type dynamoEventItem struct {
	RunID      string `dynamodbav:"run_id"`
	Sequence   int64  `dynamodbav:"sequence"`
	EventID    string `dynamodbav:"event_id"`
	AppID      string `dynamodbav:"app_id"`
	Type       string `dynamodbav:"type"`
	Payload    []byte `dynamodbav:"payload,omitempty"`
	PayloadRef string `dynamodbav:"payload_ref,omitempty"`
	Delivered  bool   `dynamodbav:"delivered"`
	CreatedAt  string `dynamodbav:"created_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

// dynamoBatchWriteLimit is BatchWriteItem's hard per-call item cap.
const dynamoBatchWriteLimit = 25

func (s *DynamoStore) AppendEvent(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.CreatedAt.Add(domain.DefaultRunTTL)
	}

	seq, err := s.nextSequence(ctx, ev.RunID)
	if err != nil {
		return nil, err
	}
	ev.Sequence = seq

	evPtr, err := s.spill.apply(ctx, &ev)
	if err != nil {
		return nil, err
	}

	item := dynamoEventItem{
		RunID: evPtr.RunID, Sequence: evPtr.Sequence, EventID: evPtr.EventID, AppID: evPtr.AppID,
		Type: evPtr.Type, Payload: evPtr.Payload, PayloadRef: evPtr.PayloadRef,
		CreatedAt: evPtr.CreatedAt.Format(time.RFC3339Nano), ExpiresAt: evPtr.ExpiresAt.Unix(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, newErr(ErrorSerialization, "AppendEvent", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.eventsTable), Item: av})
	if err != nil {
		return nil, newErr(ErrorDatabase, "AppendEvent", err)
	}
	return evPtr, nil
}

// nextSequence returns the sequence to assign to the next event appended to
// runID: 0 for an empty run, the last item's sequence + 1 otherwise,
// matching the spec's "monotonic i32 per run, starting at 0".
func (s *DynamoStore) nextSequence(ctx context.Context, runID string) (int64, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.eventsTable),
		KeyConditionExpression: aws.String("run_id = :run_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":run_id": &types.AttributeValueMemberS{Value: runID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, newErr(ErrorDatabase, "nextSequence", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	var item dynamoEventItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return 0, newErr(ErrorSerialization, "nextSequence", err)
	}
	return item.Sequence + 1, nil
}

// PushEvents appends a batch of events, assigning each its run's next
// monotonic sequence number in order, then writes them in chunks of at most
// dynamoBatchWriteLimit via BatchWriteItem. Unprocessed items from a
// partially-throttled BatchWriteItem call are not retried here; they are
// left out of the returned count, so a short count shows that part of the
// batch was not written.
func (s *DynamoStore) PushEvents(ctx context.Context, ins []domain.CreateEventInput) (int, error) {
	if len(ins) == 0 {
		return 0, nil
	}

	nextSeq := make(map[string]int64)
	events := make([]*domain.Event, 0, len(ins))
	for _, in := range ins {
		seq, ok := nextSeq[in.RunID]
		if !ok {
			s0, err := s.nextSequence(ctx, in.RunID)
			if err != nil {
				return len(events), err
			}
			seq = s0
		}

		now := time.Now().UTC()
		ev := &domain.Event{
			EventID:   uuid.New().String(),
			RunID:     in.RunID,
			AppID:     in.AppID,
			Type:      in.Type,
			Payload:   in.Payload,
			Sequence:  seq,
			CreatedAt: now,
			ExpiresAt: now.Add(domain.DefaultRunTTL),
		}
		evPtr, err := s.spill.apply(ctx, ev)
		if err != nil {
			return len(events), err
		}
		events = append(events, evPtr)
		nextSeq[in.RunID] = seq + 1
	}

	written := 0
	for chunkStart := 0; chunkStart < len(events); chunkStart += dynamoBatchWriteLimit {
		chunkEnd := chunkStart + dynamoBatchWriteLimit
		if chunkEnd > len(events) {
			chunkEnd = len(events)
		}
		chunk := events[chunkStart:chunkEnd]

		writeReqs := make([]types.WriteRequest, 0, len(chunk))
		for _, ev := range chunk {
			item := dynamoEventItem{
				RunID: ev.RunID, Sequence: ev.Sequence, EventID: ev.EventID, AppID: ev.AppID,
				Type: ev.Type, Payload: ev.Payload, PayloadRef: ev.PayloadRef,
				CreatedAt: ev.CreatedAt.Format(time.RFC3339Nano), ExpiresAt: ev.ExpiresAt.Unix(),
			}
			av, err := attributevalue.MarshalMap(item)
			if err != nil {
				return written, newErr(ErrorSerialization, "PushEvents", err)
			}
			writeReqs = append(writeReqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
		}

		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.eventsTable: writeReqs},
		})
		if err != nil {
			return written, newErr(ErrorDatabase, "PushEvents", err)
		}
		written += len(chunk) - len(out.UnprocessedItems[s.eventsTable])
	}
	return written, nil
}

func (s *DynamoStore) ListEventsByRun(ctx context.Context, runID string, afterSequence int64, onlyUndelivered bool, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.eventsTable),
		KeyConditionExpression: aws.String("run_id = :run_id AND sequence > :after"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":run_id": &types.AttributeValueMemberS{Value: runID},
			":after":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", afterSequence)},
		},
		Limit: aws.Int32(int32(limit)),
	}
	if onlyUndelivered {
		input.FilterExpression = aws.String("delivered = :delivered")
		input.ExpressionAttributeValues[":delivered"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, newErr(ErrorDatabase, "ListEventsByRun", err)
	}

	events := make([]*domain.Event, 0, len(out.Items))
	for _, rawItem := range out.Items {
		var item dynamoEventItem
		if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
			return nil, newErr(ErrorSerialization, "ListEventsByRun", err)
		}
		ev := itemToEvent(item)
		// A spilled payload is transparently fetched here, matching the
		// spec's get_events contract: callers never see a bare reference
		// unless the object store itself is unreachable.
		if ev.PayloadRef != "" {
			data, rerr := s.spill.resolve(ctx, ev)
			if rerr != nil {
				return nil, rerr
			}
			ev.Payload = data
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetMaxSequence returns the highest sequence assigned within runID, or 0
// if the run has no events.
func (s *DynamoStore) GetMaxSequence(ctx context.Context, runID string) (int64, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.eventsTable),
		KeyConditionExpression: aws.String("run_id = :run_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":run_id": &types.AttributeValueMemberS{Value: runID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, newErr(ErrorDatabase, "GetMaxSequence", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	var item dynamoEventItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return 0, newErr(ErrorSerialization, "GetMaxSequence", err)
	}
	return item.Sequence, nil
}

// MarkEventsDelivered looks each event up by the event_id-index GSI to
// recover its (run_id, sequence) key, then flips delivered on that item.
// Unknown event IDs are silently skipped.
func (s *DynamoStore) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	for _, id := range eventIDs {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.eventsTable),
			IndexName:              aws.String("event_id-index"),
			KeyConditionExpression: aws.String("event_id = :event_id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":event_id": &types.AttributeValueMemberS{Value: id},
			},
			Limit: aws.Int32(1),
		})
		if err != nil {
			return newErr(ErrorDatabase, "MarkEventsDelivered", err)
		}
		if len(out.Items) == 0 {
			continue
		}

		var item dynamoEventItem
		if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
			return newErr(ErrorSerialization, "MarkEventsDelivered", err)
		}

		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.eventsTable),
			Key: map[string]types.AttributeValue{
				"run_id":   &types.AttributeValueMemberS{Value: item.RunID},
				"sequence": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", item.Sequence)},
			},
			UpdateExpression: aws.String("SET delivered = :d"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":d": &types.AttributeValueMemberBOOL{Value: true},
			},
		})
		if err != nil {
			return newErr(ErrorDatabase, "MarkEventsDelivered", err)
		}
	}
	return nil
}

func (s *DynamoStore) ResolveEventPayload(ctx context.Context, ev *domain.Event) ([]byte, error) {
	return s.spill.resolve(ctx, ev)
}

// DeleteExpiredRuns is a no-op: the runs/events tables' expires_at
// attribute is configured as the DynamoDB TTL key, so the table prunes
// expired items itself without application-level polling.
func (s *DynamoStore) DeleteExpiredRuns(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func runToItem(r *domain.Run) dynamoRunItem {
	item := dynamoRunItem{
		RunID: r.RunID, AppID: r.AppID, BoardID: r.BoardID, EventID: r.EventID,
		Mode: string(r.Mode), Status: string(r.Status),
		InputPayloadLen: r.InputPayloadLen, OutputPayloadLen: r.OutputPayloadLen,
		Progress: r.Progress, CurrentStep: r.CurrentStep, UserID: r.UserID,
		ExpiresAt: r.ExpiresAt.Unix(), CreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339Nano), ErrorMessage: r.ErrorMessage,
	}
	if r.BoardVersion != nil {
		if data, err := json.Marshal(r.BoardVersion); err == nil {
			item.BoardVersion = string(data)
		}
	}
	if r.StartedAt != nil {
		item.StartedAt = r.StartedAt.Format(time.RFC3339Nano)
	}
	if r.CompletedAt != nil {
		item.CompletedAt = r.CompletedAt.Format(time.RFC3339Nano)
	}
	return item
}

func itemToRun(item dynamoRunItem) *domain.Run {
	r := &domain.Run{
		RunID: item.RunID, AppID: item.AppID, BoardID: item.BoardID, EventID: item.EventID,
		Mode: domain.RunMode(item.Mode), Status: domain.RunStatus(item.Status),
		InputPayloadLen: item.InputPayloadLen, OutputPayloadLen: item.OutputPayloadLen,
		Progress: item.Progress, CurrentStep: item.CurrentStep, UserID: item.UserID,
		ExpiresAt: time.Unix(item.ExpiresAt, 0).UTC(), ErrorMessage: item.ErrorMessage,
	}
	if item.BoardVersion != "" {
		var bv domain.BoardVersion
		if json.Unmarshal([]byte(item.BoardVersion), &bv) == nil {
			r.BoardVersion = &bv
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, item.CreatedAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, item.UpdatedAt); err == nil {
		r.UpdatedAt = t
	}
	if item.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, item.StartedAt); err == nil {
			r.StartedAt = &t
		}
	}
	if item.CompletedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, item.CompletedAt); err == nil {
			r.CompletedAt = &t
		}
	}
	return r
}

func itemToEvent(item dynamoEventItem) *domain.Event {
	ev := &domain.Event{
		EventID: item.EventID, RunID: item.RunID, AppID: item.AppID, Sequence: item.Sequence,
		Type: item.Type, Payload: item.Payload, PayloadRef: item.PayloadRef, Delivered: item.Delivered,
		ExpiresAt: time.Unix(item.ExpiresAt, 0).UTC(),
	}
	if t, err := time.Parse(time.RFC3339Nano, item.CreatedAt); err == nil {
		ev.CreatedAt = t
	}
	return ev
}
