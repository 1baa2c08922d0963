package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"metra-client/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixTask = "TASK#"
	skMeta       = "META#"
	ttlDuration  = 90 * 24 * time.Hour

	// sortable: fixed width, unlike RFC3339Nano.
	sortKeyLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// tableCreator is implemented by *dynamodb.Client; only local setups use it.
type tableCreator interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// ReadWriter is the archive surface the session manager depends on
// (usecase.Archive): turns and task definitions are written, conversation
// meta is read back when a conversation is loaded.
type ReadWriter interface {
	GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error)
	SaveTurn(ctx context.Context, user, assistant domain.Message, meta domain.ConversationMeta) error
	UpsertMeta(ctx context.Context, meta domain.ConversationMeta) error
	SaveTaskDefinition(ctx context.Context, td domain.TaskDefinition) error
}

var _ ReadWriter = (*Client)(nil)

// Client archives finished conversation turns in a single DynamoDB table
// keyed by PK=CONV#<id>.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// EnsureTable creates the archive table when the API supports it. An
// existing table is not an error.
func (c *Client) EnsureTable(ctx context.Context) error {
	tc, ok := c.api.(tableCreator)
	if !ok {
		return errors.New("repository: EnsureTable: api cannot create tables")
	}
	_, err := tc.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(c.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("repository: EnsureTable: %w", err)
	}
	return nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK orders messages by creation time; the id breaks ties.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(sortKeyLayout) + "#" + id
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// GetMeta returns the archived metadata; ok is false when none exists.
func (c *Client) GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationMeta{}, false, fmt.Errorf("repository: GetMeta get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationMeta{}, false, nil
	}
	meta, err := itemToMeta(out.Item)
	if err != nil {
		return domain.ConversationMeta{}, false, fmt.Errorf("repository: GetMeta decode: %w", err)
	}
	return meta, true, nil
}

// UpsertMeta writes or replaces the conversation metadata record.
func (c *Client) UpsertMeta(ctx context.Context, meta domain.ConversationMeta) error {
	item, err := c.metaItem(meta)
	if err != nil {
		return fmt.Errorf("repository: UpsertMeta: %w", err)
	}
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: UpsertMeta: %w", err)
	}
	return nil
}

// SaveTurn writes a finished user/assistant exchange and the updated
// metadata in one transaction. Messages are write-once.
func (c *Client) SaveTurn(ctx context.Context, user, assistant domain.Message, meta domain.ConversationMeta) error {
	if user.ID == "" || assistant.ID == "" {
		return errors.New("repository: SaveTurn: message ids are required")
	}
	if meta.ConversationID == "" {
		return errors.New("repository: SaveTurn: meta conversation id is required")
	}
	mItem, err := c.metaItem(meta)
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}

	put := func(item map[string]types.AttributeValue, cond string) types.TransactWriteItem {
		p := &types.Put{TableName: aws.String(c.tableName), Item: item}
		if cond != "" {
			p.ConditionExpression = aws.String(cond)
		}
		return types.TransactWriteItem{Put: p}
	}
	const writeOnce = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			put(c.messageItem(meta.ConversationID, user), writeOnce),
			put(c.messageItem(meta.ConversationID, assistant), writeOnce),
			put(mItem, ""),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// SaveTaskDefinition archives a created task definition under its conversation.
func (c *Client) SaveTaskDefinition(ctx context.Context, td domain.TaskDefinition) error {
	if td.ID == "" || td.ConversationID == "" {
		return errors.New("repository: SaveTaskDefinition: id and conversation id are required")
	}
	schemaJSON, err := json.Marshal(td.JSONSchema)
	if err != nil {
		return fmt.Errorf("repository: SaveTaskDefinition: marshal schema: %w", err)
	}
	models := make([]types.AttributeValue, 0, len(td.RecommendedModels))
	for _, m := range td.RecommendedModels {
		models = append(models, &types.AttributeValueMemberS{Value: m})
	}
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(td.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: skPrefixTask + td.ID},
		"conversationId": &types.AttributeValueMemberS{Value: td.ConversationID},
		"taskId":         &types.AttributeValueMemberS{Value: td.ID},
		"name":           &types.AttributeValueMemberS{Value: td.Name},
		"schema":         &types.AttributeValueMemberS{Value: string(schemaJSON)},
		"models":         &types.AttributeValueMemberL{Value: models},
		"createdAt":      &types.AttributeValueMemberS{Value: td.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
	if td.Description != nil {
		item["description"] = &types.AttributeValueMemberS{Value: *td.Description}
	}
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: SaveTaskDefinition: %w", err)
	}
	return nil
}

func (c *Client) messageItem(conversationID string, msg domain.Message) map[string]types.AttributeValue {
	created := msg.CreatedAt.Time
	if created.IsZero() {
		created = c.now()
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(created, msg.ID)},
		"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		"messageId":      &types.AttributeValueMemberS{Value: msg.ID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: created.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
}

func (c *Client) metaItem(meta domain.ConversationMeta) (map[string]types.AttributeValue, error) {
	last := meta.LastActivity
	if last.IsZero() {
		last = c.now()
	}
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(meta.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: meta.ConversationID},
		"title":          &types.AttributeValueMemberS{Value: meta.Title},
		"isCompleted":    &types.AttributeValueMemberBOOL{Value: meta.IsCompleted},
		"dialogue":       &types.AttributeValueMemberS{Value: meta.DialogueState},
		"lastActivity":   &types.AttributeValueMemberS{Value: last.UTC().Format(time.RFC3339)},
		"turns":          &types.AttributeValueMemberN{Value: strconv.Itoa(meta.Turns)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
	if meta.Schema != nil {
		raw, err := json.Marshal(meta.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		item["schema"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	return item, nil
}

func itemToMeta(item map[string]types.AttributeValue) (domain.ConversationMeta, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.ConversationMeta{}, err
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.ConversationMeta{}, err
	}
	meta := domain.ConversationMeta{ConversationID: convID, Turns: turns}
	meta.Title, _ = strAttr(item, "title")
	meta.DialogueState, _ = strAttr(item, "dialogue")
	if b, ok := item["isCompleted"].(*types.AttributeValueMemberBOOL); ok {
		meta.IsCompleted = b.Value
	}
	if raw, err := strAttr(item, "lastActivity"); err == nil {
		meta.LastActivity, _ = time.Parse(time.RFC3339, raw)
	}
	if raw, err := strAttr(item, "schema"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta.Schema); err != nil {
			return domain.ConversationMeta{}, fmt.Errorf("repository: attribute %q: %w", "schema", err)
		}
	}
	return meta, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
