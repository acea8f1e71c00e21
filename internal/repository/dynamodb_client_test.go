package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"sms-agent/internal/domain"
)

type fakeDynamo struct {
	getOut      *dynamodb.GetItemOutput
	getErr      error
	putErr      error
	updateOuts  []*dynamodb.UpdateItemOutput
	updateErrs  []error
	deleteErr   error
	queryOuts   []*dynamodb.QueryOutput
	queryErr    error
	scanOuts    []*dynamodb.ScanOutput
	scanErr     error
	batchOuts   []*dynamodb.BatchWriteItemOutput
	batchErr    error
	updateCalls int

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	updateInputs    []*dynamodb.UpdateItemInput
	lastDeleteInput *dynamodb.DeleteItemInput
	queryInputs     []*dynamodb.QueryInput
	scanInputs      []*dynamodb.ScanInput
	batchInputs     []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	idx := f.updateCalls
	f.updateCalls++
	var out *dynamodb.UpdateItemOutput
	var err error
	if idx < len(f.updateOuts) {
		out = f.updateOuts[idx]
	}
	if idx < len(f.updateErrs) {
		err = f.updateErrs[idx]
	}
	return out, err
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	idx := len(f.queryInputs)
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if idx < len(f.queryOuts) {
		return f.queryOuts[idx], nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	idx := len(f.scanInputs)
	f.scanInputs = append(f.scanInputs, in)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if idx < len(f.scanOuts) {
		return f.scanOuts[idx], nil
	}
	return &dynamodb.ScanOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	idx := len(f.batchInputs)
	f.batchInputs = append(f.batchInputs, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if idx < len(f.batchOuts) {
		return f.batchOuts[idx], nil
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: stringPtr("The conditional request failed")}
}

func stringPtr(s string) *string { return &s }

func makeKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestKeys(t *testing.T) {
	require.Equal(t, "ACCT#+15550001111", accountPK("+15550001111"))
	require.Equal(t, "CONT#0000000012", contSK(12))
	require.Less(t, contSK(9), contSK(10), "index order must survive lexical sort")

	ts := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "TURN#2026-02-25T10:00:00.000000000Z#abc", turnSK(ts, "abc"))
}

func TestTurnSK_LexicalOrderIsTimeOrder(t *testing.T) {
	base := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name           string
		earlier, later time.Time
	}{
		{"tenths vs hundredths", base.Add(100 * time.Millisecond), base.Add(120 * time.Millisecond)},
		{"whole second vs half", base.Add(time.Second), base.Add(1500 * time.Millisecond)},
		{"zero fraction vs half", base, base.Add(500 * time.Millisecond)},
		{"nanosecond apart", base.Add(time.Nanosecond), base.Add(2 * time.Nanosecond)},
		{"non-UTC input", base.In(time.FixedZone("X", 3600)), base.Add(time.Millisecond)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// The id suffix sorts the wrong way on purpose.
			require.Less(t, turnSK(tc.earlier, "z"), turnSK(tc.later, "a"))
			require.Len(t, turnSK(tc.earlier, "z"), len(turnSK(tc.later, "a")))
		})
	}
}

func TestDeleteKeys_ChunksAndRetriesUnprocessed(t *testing.T) {
	keys := make([]map[string]types.AttributeValue, 30)
	for i := range keys {
		keys[i] = makeKey("ACCT#1", contSK(i+1))
	}
	leftover := []types.WriteRequest{{DeleteRequest: &types.DeleteRequest{Key: keys[0]}}}
	db := &fakeDynamo{batchOuts: []*dynamodb.BatchWriteItemOutput{
		{UnprocessedItems: map[string][]types.WriteRequest{"test-table": leftover}},
		{},
		{},
	}}
	c := mustNewClient(t, db)

	require.NoError(t, c.deleteKeys(context.Background(), keys))
	require.Len(t, db.batchInputs, 3)
	require.Len(t, db.batchInputs[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchInputs[1].RequestItems["test-table"], 1)
	require.Len(t, db.batchInputs[2].RequestItems["test-table"], 5)
}

func TestDeleteKeys_GivesUpOnPersistentUnprocessed(t *testing.T) {
	keys := []map[string]types.AttributeValue{makeKey("ACCT#1", contSK(1))}
	stuck := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{
		"test-table": {{DeleteRequest: &types.DeleteRequest{Key: keys[0]}}},
	}}
	db := &fakeDynamo{}
	for i := 0; i < maxBatchRetries; i++ {
		db.batchOuts = append(db.batchOuts, stuck)
	}
	c := mustNewClient(t, db)

	err := c.deleteKeys(context.Background(), keys)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unprocessed")
}

func TestQueryKeys_Paginates(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{makeKey("ACCT#1", "TURN#a")}, LastEvaluatedKey: makeKey("ACCT#1", "TURN#a")},
		{Items: []map[string]types.AttributeValue{makeKey("ACCT#1", "TURN#b")}},
	}}
	c := mustNewClient(t, db)

	keys, err := c.queryKeys(context.Background(), "ACCT#1", skPrefixTurn)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Len(t, db.queryInputs, 2)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestIsConditionFailed(t *testing.T) {
	require.True(t, isConditionFailed(conditionFailed()))
	require.False(t, isConditionFailed(errors.New("boom")))
}

func TestTurnRoundTripThroughItem(t *testing.T) {
	turn := domain.Turn{
		ID:        "t-1",
		Phone:     "+15550001111",
		Role:      domain.RoleUser,
		Content:   "hello",
		Type:      domain.TurnAudio,
		Metadata:  domain.TurnMetadata{MediaURL: "https://media/1", Transcription: "hello", DurationMS: 120},
		CreatedAt: time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC),
	}
	got, err := itemToTurn(turnItem(turn))
	require.NoError(t, err)
	require.Equal(t, turn, got)
}
