package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
)

var ErrUserExists = errors.New("user already exists")

// DynamoDBAPI is the subset of *dynamodb.Client the repository calls.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// UserRepository stores verified email users in a single DynamoDB table
// keyed by PK=USER#<email>, SK=PROFILE.
type UserRepository struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
	logger    *logrus.Logger
}

func NewUserRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
		logger:    logger,
	}
}

func userKey(user *models.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: user.GetPK()},
		"SK": &types.AttributeValueMemberS{Value: user.GetSK()},
	}
}

// GetByEmail returns nil, nil when no user exists.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       userKey(&models.User{Email: email}),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var user models.User
	if err := attributevalue.UnmarshalMap(result.Item, &user); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := r.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	for k, v := range userKey(user) {
		item[k] = v
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrUserExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// RecordLogin stamps the last successful verification time.
func (r *UserRepository) RecordLogin(ctx context.Context, user *models.User) error {
	now := r.now().UTC()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              userKey(user),
		UpdateExpression: aws.String("SET last_login_at = :now, updated_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to record login in DynamoDB")
		return fmt.Errorf("failed to record login: %w", err)
	}

	user.LastLoginAt = now
	user.UpdatedAt = now
	return nil
}

// GetOrCreate returns the user for a verified email, creating it on first
// sign-in.
func (r *UserRepository) GetOrCreate(ctx context.Context, email string) (*models.User, error) {
	user, err := r.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	newUser := &models.User{Email: email}
	err = r.Create(ctx, newUser)
	if errors.Is(err, ErrUserExists) {
		// Lost a race with a concurrent first sign-in.
		return r.GetByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}

	return newUser, nil
}
