package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"analysis-coordinator/internal/domain"
)

const (
	skPrefixAnalysis = "ANL#"
	skMeta           = "META#"
	ttlDuration      = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client persists non-skip analysis results to a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// analysisSK sorts records chronologically; the suffix keeps two records
// written in the same instant distinct.
func analysisSK(ts time.Time) string {
	return skPrefixAnalysis + ts.UTC().Format(time.RFC3339Nano) + "#" + newID()
}

// NewAnalysisRecord builds the record persisted for one outcome.
func NewAnalysisRecord(conversationID, text, origin string, outcome *domain.Outcome, now time.Time) domain.AnalysisRecord {
	rec := domain.AnalysisRecord{
		PK:             convPK(conversationID),
		SK:             analysisSK(now),
		ConversationID: conversationID,
		Text:           text,
		Kind:           outcome.Kind(),
		Origin:         origin,
		CreatedAt:      now.UTC().Format(time.RFC3339),
		TTL:            now.Add(ttlDuration).Unix(),
	}
	if outcome != nil {
		rec.Outcome = *outcome
	}
	return rec
}

// SaveAnalysis writes the record and bumps the conversation meta item in one
// transaction.
func (c *Client) SaveAnalysis(ctx context.Context, conversationID, text, origin string, outcome *domain.Outcome) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: SaveAnalysis: conversation id is required")
	}
	if outcome.IsSkip() {
		return errors.New("repository: SaveAnalysis: skip outcomes are not persisted")
	}
	now := c.now()
	rec := NewAnalysisRecord(conversationID, text, origin, outcome, now)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                analysisItem(rec),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: rec.PK},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("SET conversationId = :cid, lastActivity = :now, #ttl = :ttl ADD analyses :one"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cid": &types.AttributeValueMemberS{Value: conversationID},
						":now": &types.AttributeValueMemberS{Value: rec.CreatedAt},
						":ttl": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.TTL)},
						":one": &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveAnalysis: %w", err)
	}
	return nil
}

func analysisItem(rec domain.AnalysisRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: rec.PK},
		"SK":             &types.AttributeValueMemberS{Value: rec.SK},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"text":           &types.AttributeValueMemberS{Value: rec.Text},
		"kind":           &types.AttributeValueMemberS{Value: rec.Kind},
		"explanation":    &types.AttributeValueMemberS{Value: rec.Outcome.Explanation},
		"createdAt":      &types.AttributeValueMemberS{Value: rec.CreatedAt},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.TTL)},
	}
	// Only the parts the outcome actually carries are stored.
	optional := map[string]string{
		"translation": rec.Outcome.Translation,
		"correction":  rec.Outcome.Correction,
		"alternative": rec.Outcome.Alternative,
		"comment":     rec.Outcome.Comment,
		"origin":      rec.Origin,
	}
	for k, v := range optional {
		if v != "" {
			item[k] = &types.AttributeValueMemberS{Value: v}
		}
	}
	return item
}

var newID = func() string {
	return uuid.NewString()
}
