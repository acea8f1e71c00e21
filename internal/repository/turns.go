package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sms-agent/internal/domain"
)

// PutTurn persists one immutable conversation turn.
func (c *Client) PutTurn(ctx context.Context, turn domain.Turn) error {
	if turn.Phone == "" || turn.ID == "" {
		return errors.New("repository: PutTurn: phone and id are required")
	}
	if turn.CreatedAt.IsZero() {
		return errors.New("repository: PutTurn: creation time is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: PutTurn: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent limit turns in chronological order.
func (c *Client) RecentTurns(ctx context.Context, phone string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: accountPK(phone)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// DeleteTurns removes every turn of the account.
func (c *Client) DeleteTurns(ctx context.Context, phone string) error {
	keys, err := c.queryKeys(ctx, accountPK(phone), skPrefixTurn)
	if err != nil {
		return fmt.Errorf("repository: DeleteTurns query: %w", err)
	}
	if err := c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteTurns: %w", err)
	}
	return nil
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: accountPK(turn.Phone)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(turn.CreatedAt, turn.ID)},
		"id":        &types.AttributeValueMemberS{Value: turn.ID},
		"phone":     &types.AttributeValueMemberS{Value: turn.Phone},
		"role":      &types.AttributeValueMemberS{Value: string(turn.Role)},
		"content":   &types.AttributeValueMemberS{Value: turn.Content},
		"turnType":  &types.AttributeValueMemberS{Value: string(turn.Type)},
		"createdAt": timeValue(turn.CreatedAt),
	}
	if !turn.Metadata.IsZero() {
		item["metadata"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"mediaUrl":      &types.AttributeValueMemberS{Value: turn.Metadata.MediaURL},
			"transcription": &types.AttributeValueMemberS{Value: turn.Metadata.Transcription},
			"durationMs":    numValue(turn.Metadata.DurationMS),
			"tokens":        numValue(int64(turn.Metadata.Tokens)),
		}}
	}
	return item
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	turn := domain.Turn{
		ID:      optStrAttr(item, "id"),
		Phone:   optStrAttr(item, "phone"),
		Role:    domain.Role(role),
		Content: content,
		Type:    domain.TurnType(optStrAttr(item, "turnType")),
	}
	turn.CreatedAt, _ = timeAttr(item, "createdAt")

	if m, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		turn.Metadata.MediaURL = optStrAttr(m.Value, "mediaUrl")
		turn.Metadata.Transcription = optStrAttr(m.Value, "transcription")
		turn.Metadata.DurationMS, _ = int64Attr(m.Value, "durationMs")
		turn.Metadata.Tokens, _ = intAttr(m.Value, "tokens")
	}
	return turn, nil
}
