package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sms-agent/internal/domain"
)

// CreateContinuation stores a continuation under its per-account index. It
// returns ErrConditionFailed when the index is already taken.
func (c *Client) CreateContinuation(ctx context.Context, cont domain.Continuation) error {
	if cont.Phone == "" || cont.Index <= 0 {
		return errors.New("repository: CreateContinuation: phone and positive index are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                continuationItem(cont),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: CreateContinuation: %w", err)
	}
	return nil
}

// LatestContinuation returns the continuation with the highest index for the
// account, expired or not.
func (c *Client) LatestContinuation(ctx context.Context, phone string) (domain.Continuation, bool, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: accountPK(phone)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixCont},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return domain.Continuation{}, false, fmt.Errorf("repository: LatestContinuation query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Continuation{}, false, nil
	}
	cont, err := itemToContinuation(out.Items[0])
	if err != nil {
		return domain.Continuation{}, false, fmt.Errorf("repository: LatestContinuation unmarshal: %w", err)
	}
	return cont, true, nil
}

// DeleteContinuations removes every continuation of the account.
func (c *Client) DeleteContinuations(ctx context.Context, phone string) error {
	keys, err := c.queryKeys(ctx, accountPK(phone), skPrefixCont)
	if err != nil {
		return fmt.Errorf("repository: DeleteContinuations query: %w", err)
	}
	if err := c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteContinuations: %w", err)
	}
	return nil
}

// DeleteExpiredContinuations scans the table for continuations that expired
// before now and deletes them. DynamoDB TTL eventually removes the same rows;
// this sweep only makes it prompt.
func (c *Client) DeleteExpiredContinuations(ctx context.Context, now time.Time) (int, error) {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(c.tableName),
			FilterExpression: aws.String("begins_with(SK, :prefix) AND expiresAt <= :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: skPrefixCont},
				":now":    numValue(now.UnixMilli()),
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("repository: DeleteExpiredContinuations scan: %w", err)
		}
		keys = append(keys, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	if err := c.deleteKeys(ctx, keys); err != nil {
		return 0, fmt.Errorf("repository: DeleteExpiredContinuations: %w", err)
	}
	return len(keys), nil
}

func continuationItem(cont domain.Continuation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: accountPK(cont.Phone)},
		"SK":         &types.AttributeValueMemberS{Value: contSK(cont.Index)},
		"id":         &types.AttributeValueMemberS{Value: cont.ID},
		"phone":      &types.AttributeValueMemberS{Value: cont.Phone},
		"remainder":  &types.AttributeValueMemberS{Value: cont.Remainder},
		"turnId":     &types.AttributeValueMemberS{Value: cont.TurnID},
		"seq":        numValue(int64(cont.Index)),
		"totalParts": numValue(int64(cont.TotalParts)),
		"createdAt":  timeValue(cont.CreatedAt),
		"expiresAt":  numValue(cont.ExpiresAt.UnixMilli()),
		"ttl":        numValue(cont.ExpiresAt.Unix()),
	}
}

func itemToContinuation(item map[string]types.AttributeValue) (domain.Continuation, error) {
	remainder, err := strAttr(item, "remainder")
	if err != nil {
		return domain.Continuation{}, err
	}
	index, err := intAttr(item, "seq")
	if err != nil {
		return domain.Continuation{}, err
	}
	expiresAt, err := int64Attr(item, "expiresAt")
	if err != nil {
		return domain.Continuation{}, err
	}
	cont := domain.Continuation{
		ID:        optStrAttr(item, "id"),
		Phone:     optStrAttr(item, "phone"),
		Remainder: remainder,
		TurnID:    optStrAttr(item, "turnId"),
		Index:     index,
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}
	cont.TotalParts, _ = intAttr(item, "totalParts")
	cont.CreatedAt, _ = timeAttr(item, "createdAt")
	return cont, nil
}
