package storage

import "os"

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
	DynamoModeNone  DynamoMode = "none"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode        DynamoMode
	Endpoint    string // for local mode
	Region      string
	AgentsTable string
}

// Config selects the agent and call store backends
type Config struct {
	Dynamo DynamoConfig
	// CallStoreDSN is a lib/pq connection string. Empty keeps calls in memory.
	CallStoreDSN string
}

// LoadConfig loads storage config from environment
func LoadConfig() Config {
	return Config{
		Dynamo:       LoadDynamoConfig(),
		CallStoreDSN: os.Getenv("CALL_STORE_DSN"),
	}
}

// LoadDynamoConfig loads DynamoDB config from environment
func LoadDynamoConfig() DynamoConfig {
	mode := DynamoMode(getEnv("DYNAMO_MODE", "none"))
	if mode != DynamoModeLocal && mode != DynamoModeAWS {
		mode = DynamoModeNone
	}

	return DynamoConfig{
		Mode:        mode,
		Endpoint:    getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		Region:      getEnv("DYNAMO_REGION", "eu-central-1"),
		AgentsTable: getEnv("DYNAMO_AGENTS_TABLE", "wallboard-agents"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
