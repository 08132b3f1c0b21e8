package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const (
	agentCodeIndex = "AgentCodeIndex"
	// offline writes re-read and retry when the status moved underneath them
	maxOfflineAttempts = 3
)

// dynamoAPI is the subset of the DynamoDB client the store uses
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoAgentStore implements AgentStore using AWS DynamoDB. Status
// updates are conditional writes against the stored status.
type DynamoAgentStore struct {
	client dynamoAPI
	table  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewDynamoAgentStore creates a new DynamoDB agent store
func NewDynamoAgentStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoAgentStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig queries the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.AgentsTable).
		Msg("DynamoDB agent store initialized")

	return newDynamoAgentStore(client, cfg.AgentsTable, logger), nil
}

func newDynamoAgentStore(client dynamoAPI, table string, logger zerolog.Logger) *DynamoAgentStore {
	return &DynamoAgentStore{
		client: client,
		table:  table,
		logger: logger.With().Str("component", "dynamo_agent_store").Logger(),
		now:    time.Now,
	}
}

// NewAgentStore creates the appropriate agent store based on configuration
func NewAgentStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (AgentStore, error) {
	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		store, err := NewDynamoAgentStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		logger.Info().Msg("DynamoDB disabled (DYNAMO_MODE=none), agents kept in memory")
		return NewMemoryAgentStore(), nil
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func conditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoAgentStore) key(id string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"AgentID": &dbtypes.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoAgentStore) GetByID(ctx context.Context, id string) (*types.Agent, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get agent", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}

	var agent types.Agent
	if err := attributevalue.UnmarshalMap(out.Item, &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *DynamoAgentStore) GetByCode(ctx context.Context, code string) (*types.Agent, error) {
	keyCond := expression.Key("AgentCode").Equal(expression.Value(code))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(agentCodeIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, unavailable("query agent code", err)
	}
	if len(result.Items) == 0 {
		return nil, fmt.Errorf("agent code %s: %w", code, ErrNotFound)
	}

	var agent types.Agent
	if err := attributevalue.UnmarshalMap(result.Items[0], &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *DynamoAgentStore) FindMany(ctx context.Context, filter types.AgentFilter) ([]*types.Agent, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.table)}

	var conds []expression.ConditionBuilder
	if filter.Status != nil {
		conds = append(conds, expression.Name("Status").Equal(expression.Value(*filter.Status)))
	}
	if filter.Department != nil {
		conds = append(conds, expression.Name("Department").Equal(expression.Value(*filter.Department)))
	}
	if filter.IsOnline != nil {
		conds = append(conds, expression.Name("IsOnline").Equal(expression.Value(*filter.IsOnline)))
	}
	if len(conds) > 0 {
		cond := conds[0]
		if len(conds) > 1 {
			cond = expression.And(conds[0], conds[1], conds[2:]...)
		}
		expr, err := expression.NewBuilder().WithFilter(cond).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var agents []*types.Agent
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan agents", err)
		}
		var batch []*types.Agent
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agents: %w", err)
		}
		agents = append(agents, batch...)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].Code < agents[j].Code })
	return agents, nil
}

func appendHistory(update expression.UpdateBuilder, entry types.StatusTransition) expression.UpdateBuilder {
	return update.Set(expression.Name("StatusHistory"), expression.ListAppend(
		expression.IfNotExists(expression.Name("StatusHistory"), expression.Value([]types.StatusTransition{})),
		expression.Value([]types.StatusTransition{entry}),
	))
}

func (s *DynamoAgentStore) AtomicUpdateStatus(ctx context.Context, id string, expected types.Status, entry types.StatusTransition) (*types.Agent, error) {
	update := expression.Set(expression.Name("Status"), expression.Value(entry.To)).
		Set(expression.Name("LastStatusChange"), expression.Value(entry.Timestamp)).
		Set(expression.Name("UpdatedAt"), expression.Value(s.now()))
	update = appendHistory(update, entry)

	cond := expression.AttributeExists(expression.Name("AgentID")).
		And(expression.Name("Status").Equal(expression.Value(expected)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              dbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			return nil, fmt.Errorf("agent %s status is no longer %s: %w", id, expected, ErrConflict)
		}
		return nil, unavailable("update agent status", err)
	}

	var agent types.Agent
	if err := attributevalue.UnmarshalMap(out.Attributes, &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *DynamoAgentStore) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	proj := expression.NamesList(expression.Name("Status"))
	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	counts := make(map[types.Status]int)
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("scan agent statuses", err)
		}
		var rows []struct {
			Status types.Status `dynamodbav:"Status"`
		}
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, fmt.Errorf("failed to unmarshal statuses: %w", err)
		}
		for _, row := range rows {
			counts[row.Status]++
		}
	}
	return counts, nil
}

func (s *DynamoAgentStore) CountOnline(ctx context.Context) (int, error) {
	filter := expression.Name("IsOnline").Equal(expression.Value(true))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build expression: %w", err)
	}

	online := 0
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		Select:                    dbtypes.SelectCount,
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, unavailable("count online agents", err)
		}
		online += int(page.Count)
	}
	return online, nil
}

func (s *DynamoAgentStore) SetOnline(ctx context.Context, id, sessionID string, loginTime time.Time) (*types.Agent, error) {
	update := expression.Set(expression.Name("IsOnline"), expression.Value(true)).
		Set(expression.Name("SessionID"), expression.Value(sessionID)).
		Set(expression.Name("LoginTime"), expression.Value(loginTime)).
		Set(expression.Name("UpdatedAt"), expression.Value(s.now()))
	cond := expression.AttributeExists(expression.Name("AgentID"))

	return s.conditionalUpdate(ctx, id, update, cond, ErrNotFound)
}

func (s *DynamoAgentStore) SetOffline(ctx context.Context, id, reason string, at time.Time) (*types.Agent, error) {
	for attempt := 1; attempt <= maxOfflineAttempts; attempt++ {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		update := expression.Set(expression.Name("IsOnline"), expression.Value(false)).
			Set(expression.Name("UpdatedAt"), expression.Value(s.now())).
			Remove(expression.Name("SessionID")).
			Remove(expression.Name("LoginTime"))
		if current.Status != types.StatusOffline {
			ts := nextTimestamp(current.StatusHistory, at)
			update = update.Set(expression.Name("Status"), expression.Value(types.StatusOffline)).
				Set(expression.Name("LastStatusChange"), expression.Value(ts))
			update = appendHistory(update, types.StatusTransition{
				From:      current.Status,
				To:        types.StatusOffline,
				Reason:    reason,
				Timestamp: ts,
			})
		}
		cond := expression.Name("Status").Equal(expression.Value(current.Status))

		agent, err := s.conditionalUpdate(ctx, id, update, cond, ErrConflict)
		if errors.Is(err, ErrConflict) {
			s.logger.Debug().Str("agent_id", id).Int("attempt", attempt).Msg("status moved during offline write, retrying")
			continue
		}
		return agent, err
	}
	return nil, fmt.Errorf("agent %s offline write kept conflicting: %w", id, ErrConflict)
}

func (s *DynamoAgentStore) conditionalUpdate(ctx context.Context, id string, update expression.UpdateBuilder, cond expression.ConditionBuilder, onFail error) (*types.Agent, error) {
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              dbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if conditionFailed(err) {
			return nil, fmt.Errorf("agent %s: %w", id, onFail)
		}
		return nil, unavailable("update agent", err)
	}

	var agent types.Agent
	if err := attributevalue.UnmarshalMap(out.Attributes, &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *DynamoAgentStore) Create(ctx context.Context, agent *types.Agent) error {
	if _, err := s.GetByCode(ctx, agent.Code); err == nil {
		return fmt.Errorf("agent code %s already exists: %w", agent.Code, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	item, err := attributevalue.MarshalMap(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("AgentID"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		if conditionFailed(err) {
			return fmt.Errorf("agent %s already exists: %w", agent.ID, ErrConflict)
		}
		return unavailable("put agent", err)
	}
	return nil
}
