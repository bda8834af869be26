package records

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"dispatch_dashboard/internal/config"
)

// ScanAPI is the subset of the DynamoDB client used here.
type ScanAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore scans a single DynamoDB table. Only the first result page is read.
type DynamoStore struct {
	api    ScanAPI
	table  string
	logger *zap.Logger
}

func NewDynamoStore(api ScanAPI, table string, logger *zap.Logger) *DynamoStore {
	return &DynamoStore{api: api, table: table, logger: logger}
}

// NewDynamoStoreFromConfig builds a DynamoDB client from the service configuration.
// Credentials fall back to the default AWS chain when no static keys are configured.
func NewDynamoStoreFromConfig(ctx context.Context, cfg config.Config, logger *zap.Logger) (*DynamoStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSSessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})
	return NewDynamoStore(client, cfg.CallsTable, logger), nil
}

func (s *DynamoStore) Scan(ctx context.Context, opts ScanOptions) ([]Raw, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.table)}
	if opts.Limit > 0 {
		input.Limit = aws.Int32(int32(opts.Limit))
	}
	out, err := s.api.Scan(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}
	var items []map[string]any
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("decode %s items: %w", s.table, err)
	}
	if out.LastEvaluatedKey != nil {
		s.logger.Debug("scan truncated by store page limit",
			zap.String("table", s.table),
			zap.Int("items", len(items)),
		)
	}
	raws := make([]Raw, 0, len(items))
	for _, item := range items {
		raws = append(raws, Raw(item))
	}
	return raws, nil
}
