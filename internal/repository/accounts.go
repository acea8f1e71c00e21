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

func profileKey(phone string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: accountPK(phone)},
		"SK": &types.AttributeValueMemberS{Value: skProfile},
	}
}

// GetAccount reads the account profile with a strongly consistent read.
func (c *Client) GetAccount(ctx context.Context, phone string) (domain.Account, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            profileKey(phone),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("repository: GetAccount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Account{}, false, nil
	}
	acct, err := itemToAccount(out.Item)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("repository: GetAccount decode: %w", err)
	}
	return acct, true, nil
}

// CreateAccount writes a new account profile. It returns ErrConditionFailed
// when the account already exists.
func (c *Client) CreateAccount(ctx context.Context, acct domain.Account) error {
	if acct.Phone == "" {
		return errors.New("repository: CreateAccount: phone is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                accountItem(acct),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("repository: CreateAccount: %w", err)
	}
	return nil
}

// ConsumeCredit atomically decrements the balance by one and increments the
// usage counter. The decrement only applies while the balance is positive, so
// concurrent requests can never drive it below zero. It returns
// ErrConditionFailed when the account is missing or has no credit left.
func (c *Client) ConsumeCredit(ctx context.Context, phone string, at time.Time) (domain.Account, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 profileKey(phone),
		UpdateExpression:    aws.String("SET balance = balance - :one, #usage = #usage + :one, lastActivity = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND balance > :zero"),
		ExpressionAttributeNames: map[string]string{
			"#usage": "usage",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  numValue(1),
			":zero": numValue(0),
			":now":  timeValue(at),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Account{}, ErrConditionFailed
		}
		return domain.Account{}, fmt.Errorf("repository: ConsumeCredit: %w", err)
	}
	return decodeUpdated(out, "ConsumeCredit")
}

// AddCredits adds amount to the balance and resets the usage counter,
// creating the account when it does not exist yet.
func (c *Client) AddCredits(ctx context.Context, phone string, amount int, at time.Time) (domain.Account, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       profileKey(phone),
		UpdateExpression: aws.String("SET balance = if_not_exists(balance, :zero) + :amount, #usage = :zero, " +
			"#active = :true, phone = :phone, lastActivity = :now, createdAt = if_not_exists(createdAt, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#usage":  "usage",
			"#active": "active",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":   numValue(0),
			":amount": numValue(int64(amount)),
			":true":   &types.AttributeValueMemberBOOL{Value: true},
			":phone":  &types.AttributeValueMemberS{Value: phone},
			":now":    timeValue(at),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: AddCredits: %w", err)
	}
	return decodeUpdated(out, "AddCredits")
}

// RefundCredit returns one consumed credit. The usage counter is decremented
// only while it is positive.
func (c *Client) RefundCredit(ctx context.Context, phone string) (domain.Account, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 profileKey(phone),
		UpdateExpression:    aws.String("SET balance = balance + :one, #usage = #usage - :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #usage > :zero"),
		ExpressionAttributeNames: map[string]string{
			"#usage": "usage",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  numValue(1),
			":zero": numValue(0),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err == nil {
		return decodeUpdated(out, "RefundCredit")
	}
	if !isConditionFailed(err) {
		return domain.Account{}, fmt.Errorf("repository: RefundCredit: %w", err)
	}

	// Usage was already reset by a top-up; only the balance is restored.
	out, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 profileKey(phone),
		UpdateExpression:    aws.String("SET balance = balance + :one"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numValue(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Account{}, ErrConditionFailed
		}
		return domain.Account{}, fmt.Errorf("repository: RefundCredit: %w", err)
	}
	return decodeUpdated(out, "RefundCredit")
}

// DeleteAccount removes the account profile. Deleting a missing account is not an error.
func (c *Client) DeleteAccount(ctx context.Context, phone string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       profileKey(phone),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteAccount: %w", err)
	}
	return nil
}

func decodeUpdated(out *dynamodb.UpdateItemOutput, op string) (domain.Account, error) {
	if out == nil || len(out.Attributes) == 0 {
		return domain.Account{}, fmt.Errorf("repository: %s: no attributes returned", op)
	}
	acct, err := itemToAccount(out.Attributes)
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: %s decode: %w", op, err)
	}
	return acct, nil
}

func accountItem(acct domain.Account) map[string]types.AttributeValue {
	item := profileKey(acct.Phone)
	item["phone"] = &types.AttributeValueMemberS{Value: acct.Phone}
	item["balance"] = numValue(int64(acct.Balance))
	item["usage"] = numValue(int64(acct.Usage))
	item["active"] = &types.AttributeValueMemberBOOL{Value: acct.Active}
	item["lastActivity"] = timeValue(acct.LastActivity)
	item["createdAt"] = timeValue(acct.CreatedAt)
	return item
}

func itemToAccount(item map[string]types.AttributeValue) (domain.Account, error) {
	phone, err := strAttr(item, "phone")
	if err != nil {
		return domain.Account{}, err
	}
	balance, err := intAttr(item, "balance")
	if err != nil {
		return domain.Account{}, err
	}
	usage, err := intAttr(item, "usage")
	if err != nil {
		return domain.Account{}, err
	}
	acct := domain.Account{
		Phone:   phone,
		Balance: balance,
		Usage:   usage,
		Active:  boolAttr(item, "active"),
	}
	// Timestamps are informational; tolerate records written without them.
	acct.LastActivity, _ = timeAttr(item, "lastActivity")
	acct.CreatedAt, _ = timeAttr(item, "createdAt")
	return acct, nil
}
