package slots

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type dynamoAPI interface {
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// dayItem is one row per doctor and day; times is a DynamoDB string set.
type dayItem struct {
	DoctorID string   `dynamodbav:"doctorId"`
	DateKey  string   `dynamodbav:"dateKey"`
	Times    []string `dynamodbav:"times,stringset,omitempty"`
}

// DynamoStore claims slots with a conditional ADD on the day's string set.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
}

// NewDynamoStore builds a store over a table keyed by doctorId (hash) and dateKey (range).
func NewDynamoStore(client dynamoAPI, tableName string) *DynamoStore {
	if client == nil {
		panic("slots: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("slots: table name cannot be empty")
	}
	return &DynamoStore{client: client, tableName: tableName}
}

func (d *DynamoStore) itemKey(doctorID, dateKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"doctorId": &types.AttributeValueMemberS{Value: doctorID},
		"dateKey":  &types.AttributeValueMemberS{Value: dateKey},
	}
}

func (d *DynamoStore) Add(ctx context.Context, doctorID string, s Slot) (bool, error) {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.itemKey(doctorID, s.DateKey),
		UpdateExpression:    aws.String("ADD #times :set"),
		ConditionExpression: aws.String("attribute_not_exists(#times) OR NOT contains(#times, :time)"),
		ExpressionAttributeNames: map[string]string{
			"#times": "times",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":set":  &types.AttributeValueMemberSS{Value: []string{s.Time}},
			":time": &types.AttributeValueMemberS{Value: s.Time},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("slots: dynamodb reserve: %w", err)
	}
	return true, nil
}

// Remove deletes the time from the set. DynamoDB drops an emptied set
// attribute, after which the day item itself is deleted if still empty.
func (d *DynamoStore) Remove(ctx context.Context, doctorID string, s Slot) error {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              d.itemKey(doctorID, s.DateKey),
		UpdateExpression: aws.String("DELETE #times :set"),
		ExpressionAttributeNames: map[string]string{
			"#times": "times",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":set": &types.AttributeValueMemberSS{Value: []string{s.Time}},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return fmt.Errorf("slots: dynamodb release: %w", err)
	}
	if _, stillBooked := out.Attributes["times"]; stillBooked {
		return nil
	}

	_, err = d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.itemKey(doctorID, s.DateKey),
		ConditionExpression: aws.String("attribute_not_exists(#times)"),
		ExpressionAttributeNames: map[string]string{
			"#times": "times",
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// A concurrent reservation repopulated the day.
			return nil
		}
		return fmt.Errorf("slots: dynamodb drop empty day: %w", err)
	}
	return nil
}

func (d *DynamoStore) BookedOn(ctx context.Context, doctorID string, dateKeys ...string) (Booked, error) {
	out := make(Booked)
	if len(dateKeys) == 0 {
		return out, nil
	}
	wanted := make(map[string]struct{}, len(dateKeys))
	for _, k := range dateKeys {
		wanted[k] = struct{}{}
	}

	var startKey map[string]types.AttributeValue
	for {
		resp, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("doctorId = :doctor"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":doctor": &types.AttributeValueMemberS{Value: doctorID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("slots: dynamodb list booked: %w", err)
		}
		var items []dayItem
		if err := attributevalue.UnmarshalListOfMaps(resp.Items, &items); err != nil {
			return nil, fmt.Errorf("slots: decode booked: %w", err)
		}
		for _, item := range items {
			if _, ok := wanted[item.DateKey]; !ok {
				continue
			}
			for _, t := range item.Times {
				out.Add(Slot{DateKey: item.DateKey, Time: t})
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}
