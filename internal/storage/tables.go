package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// CreateTablesIfNotExist creates the agents table and its code index for
// local development
func CreateTablesIfNotExist(ctx context.Context, client dynamoAPI, config DynamoConfig, logger zerolog.Logger) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(config.AgentsTable),
	})
	if err == nil {
		logger.Info().Str("table", config.AgentsTable).Msg("table already exists")
		return nil
	}

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(config.AgentsTable),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String("AgentID"), KeyType: dbtypes.KeyTypeHash},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String("AgentID"), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("AgentCode"), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []dbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(agentCodeIndex),
				KeySchema: []dbtypes.KeySchemaElement{
					{AttributeName: aws.String("AgentCode"), KeyType: dbtypes.KeyTypeHash},
				},
				Projection: &dbtypes.Projection{ProjectionType: dbtypes.ProjectionTypeAll},
			},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", config.AgentsTable, err)
	}
	logger.Info().Str("table", config.AgentsTable).Msg("table created")
	return nil
}
