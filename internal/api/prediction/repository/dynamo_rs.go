package predictionRepository

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"yolodetect/internal/api/prediction"
	"yolodetect/internal/entity"
	contextPkg "yolodetect/pkg/context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDynamoTable = "YoloPredictions"

	labelIndex = "LabelIndex"
	scoreIndex = "ScoreIndex"

	metaSK          = "META"
	detectionPrefix = "DETECT#"
	partitionPrefix = "PRED#"
)

// dynamoRepository keeps a session and its detections in one partition:
// PK=PRED#<uid>, SK=META for the session and SK=DETECT#<label>#<hash> for each
// detection. Foreign key semantics come from a conditional transaction that
// checks the META item before a detection is written.
type dynamoRepository struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	log    *logrus.Logger
	now    func() time.Time
}

type metaItem struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	UID            string `dynamodbav:"uid"`
	Timestamp      string `dynamodbav:"timestamp"`
	OriginalImage  string `dynamodbav:"original_image"`
	PredictedImage string `dynamodbav:"predicted_image"`
}

type detectionItem struct {
	PK            string    `dynamodbav:"PK"`
	SK            string    `dynamodbav:"SK"`
	PredictionUID string    `dynamodbav:"prediction_uid"`
	Label         string    `dynamodbav:"label"`
	Score         float64   `dynamodbav:"score"`
	Box           []float64 `dynamodbav:"box"`
}

func NewDynamo(client dynamodbiface.DynamoDBAPI, table string, log *logrus.Logger, now func() time.Time) *dynamoRepository {
	if table == "" {
		table = DefaultDynamoTable
	}
	return &dynamoRepository{
		client: client,
		table:  table,
		log:    log,
		now:    now,
	}
}

func partitionKey(uid string) string {
	return partitionPrefix + uid
}

func detectionSortKey(label string, score float64, box entity.Box) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%v-%v", label, score, box[:])))
	return detectionPrefix + label + "#" + hex.EncodeToString(sum[:])
}

func metaKey(uid string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"PK": {S: aws.String(partitionKey(uid))},
		"SK": {S: aws.String(metaSK)},
	}
}

// EnsureTable creates the table with its label and score indexes when it does
// not exist yet, then waits for it to become active.
func (r *dynamoRepository) EnsureTable(ctx context.Context) error {
	_, err := r.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.table),
	})
	if err == nil {
		r.log.WithField("table", r.table).Info("DynamoDB table already exists")
		return nil
	}

	var notFound *dynamodb.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return prediction.NewStorageError("describe table", err)
	}

	r.log.WithField("table", r.table).Info("Creating DynamoDB table")

	throughput := &dynamodb.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}

	_, err = r.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.table),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: aws.String(dynamodb.KeyTypeHash)},
			{AttributeName: aws.String("SK"), KeyType: aws.String(dynamodb.KeyTypeRange)},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("SK"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("label"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("score"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeN)},
		},
		GlobalSecondaryIndexes: []*dynamodb.GlobalSecondaryIndex{
			{
				IndexName: aws.String(labelIndex),
				KeySchema: []*dynamodb.KeySchemaElement{
					{AttributeName: aws.String("label"), KeyType: aws.String(dynamodb.KeyTypeHash)},
				},
				Projection:            &dynamodb.Projection{ProjectionType: aws.String(dynamodb.ProjectionTypeAll)},
				ProvisionedThroughput: throughput,
			},
			{
				IndexName: aws.String(scoreIndex),
				KeySchema: []*dynamodb.KeySchemaElement{
					{AttributeName: aws.String("score"), KeyType: aws.String(dynamodb.KeyTypeHash)},
				},
				Projection:            &dynamodb.Projection{ProjectionType: aws.String(dynamodb.ProjectionTypeAll)},
				ProvisionedThroughput: throughput,
			},
		},
		ProvisionedThroughput: throughput,
	})
	if err != nil {
		return prediction.NewStorageError("create table", err)
	}

	if err := r.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.table),
	}); err != nil {
		return prediction.NewStorageError("wait for table", err)
	}

	r.log.WithField("table", r.table).Info("DynamoDB table created")
	return nil
}

func (r *dynamoRepository) SavePredictionSession(ctx context.Context, uid, originalImage, predictedImage string) error {
	requestID := contextPkg.GetRequestID(ctx)
	timestamp := r.now().UTC().Format(time.RFC3339Nano)

	update := expression.
		Set(expression.Name("uid"), expression.Value(uid)).
		Set(expression.Name("original_image"), expression.Value(originalImage)).
		Set(expression.Name("predicted_image"), expression.Value(predictedImage)).
		Set(expression.Name("timestamp"), expression.IfNotExists(expression.Name("timestamp"), expression.Value(timestamp)))

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return prediction.NewStorageError("save prediction session", err)
	}

	_, err = r.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       metaKey(uid),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"uid":        uid,
			"error":      err.Error(),
		}).Error("SavePredictionSession update item err")
		return prediction.NewStorageError("save prediction session", err)
	}

	return nil
}

func (r *dynamoRepository) SaveDetection(ctx context.Context, uid, label string, score float64, box entity.Box) error {
	requestID := contextPkg.GetRequestID(ctx)

	if !box.Valid() {
		return prediction.NewStorageError("save detection", prediction.ErrInvalidBox)
	}

	item, err := dynamodbattribute.MarshalMap(detectionItem{
		PK:            partitionKey(uid),
		SK:            detectionSortKey(label, score, box),
		PredictionUID: uid,
		Label:         label,
		Score:         score,
		Box:           box[:],
	})
	if err != nil {
		return prediction.NewStorageError("save detection", err)
	}

	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return prediction.NewStorageError("save detection", err)
	}

	_, err = r.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []*dynamodb.TransactWriteItem{
			{
				ConditionCheck: &dynamodb.ConditionCheck{
					TableName:                aws.String(r.table),
					Key:                      metaKey(uid),
					ConditionExpression:      cond.Condition(),
					ExpressionAttributeNames: cond.Names(),
				},
			},
			{
				Put: &dynamodb.Put{
					TableName: aws.String(r.table),
					Item:      item,
				},
			},
		},
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"uid":        uid,
			"label":      label,
			"error":      err.Error(),
		}).Error("SaveDetection transaction err")
		if isMissingParent(err) {
			err = fmt.Errorf("%w: %v", prediction.ErrPredictionNotFound, err)
		}
		return prediction.NewStorageError("save detection", err)
	}

	return nil
}

// isMissingParent reports whether the META condition check cancelled the
// transaction.
func isMissingParent(err error) bool {
	var canceled *dynamodb.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	if len(canceled.CancellationReasons) == 0 {
		return false
	}
	return aws.StringValue(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func (r *dynamoRepository) GetPrediction(ctx context.Context, uid string) (entity.PredictionSession, error) {
	requestID := contextPkg.GetRequestID(ctx)

	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("PK").Equal(expression.Value(partitionKey(uid)))).
		Build()
	if err != nil {
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}

	var items []map[string]*dynamodb.AttributeValue
	err = r.client.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		items = append(items, page.Items...)
		return true
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"uid":        uid,
			"error":      err.Error(),
		}).Error("GetPrediction query err")
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}

	var meta *metaItem
	detections := make([]entity.DetectionObject, 0, len(items))
	for _, raw := range items {
		sk := aws.StringValue(raw["SK"].S)
		switch {
		case sk == metaSK:
			var m metaItem
			if err := dynamodbattribute.UnmarshalMap(raw, &m); err != nil {
				return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
			}
			meta = &m
		case strings.HasPrefix(sk, detectionPrefix):
			var d detectionItem
			if err := dynamodbattribute.UnmarshalMap(raw, &d); err != nil {
				return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
			}
			detections = append(detections, d.toEntity())
		}
	}

	if meta == nil {
		return entity.PredictionSession{}, prediction.ErrPredictionNotFound
	}

	timestamp, err := parseTimestamp(meta.Timestamp)
	if err != nil {
		return entity.PredictionSession{}, prediction.NewStorageError("get prediction", err)
	}

	return entity.PredictionSession{
		UID:            uid,
		Timestamp:      timestamp,
		OriginalImage:  meta.OriginalImage,
		PredictedImage: meta.PredictedImage,
		Detections:     detections,
	}, nil
}

func (r *dynamoRepository) GetPredictionsByLabel(ctx context.Context, label string) ([]entity.PredictionRef, error) {
	requestID := contextPkg.GetRequestID(ctx)

	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("label").Equal(expression.Value(label))).
		Build()
	if err != nil {
		return nil, prediction.NewStorageError("get predictions by label", err)
	}

	var uids []string
	seen := make(map[string]struct{})
	err = r.client.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.table),
		IndexName:                 aws.String(labelIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		uids = collectUIDs(page.Items, seen, uids)
		return true
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"label":      label,
			"error":      err.Error(),
		}).Error("GetPredictionsByLabel query err")
		return nil, prediction.NewStorageError("get predictions by label", err)
	}

	return r.resolveRefs(ctx, "get predictions by label", uids)
}

// GetPredictionsByScore walks the whole table. A hash-keyed score index cannot
// answer a range predicate, so this is a known full scan whose cost grows with
// the table, not with the result.
func (r *dynamoRepository) GetPredictionsByScore(ctx context.Context, minScore float64) ([]entity.PredictionRef, error) {
	requestID := contextPkg.GetRequestID(ctx)

	filter := expression.Name("SK").BeginsWith(detectionPrefix).
		And(expression.Name("score").GreaterThanEqual(expression.Value(minScore)))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, prediction.NewStorageError("get predictions by score", err)
	}

	var uids []string
	seen := make(map[string]struct{})
	pages := 0
	err = r.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(r.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		pages++
		uids = collectUIDs(page.Items, seen, uids)
		return true
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"min_score":  minScore,
			"error":      err.Error(),
		}).Error("GetPredictionsByScore scan err")
		return nil, prediction.NewStorageError("get predictions by score", err)
	}

	r.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"pages":      pages,
		"matches":    len(uids),
	}).Debug("GetPredictionsByScore full table scan finished")

	return r.resolveRefs(ctx, "get predictions by score", uids)
}

func collectUIDs(items []map[string]*dynamodb.AttributeValue, seen map[string]struct{}, uids []string) []string {
	for _, item := range items {
		if !strings.HasPrefix(aws.StringValue(item["SK"].S), detectionPrefix) {
			continue
		}
		uid := strings.TrimPrefix(aws.StringValue(item["PK"].S), partitionPrefix)
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}
	return uids
}

// resolveRefs loads the META item of each uid for its timestamp and returns
// the refs newest first.
func (r *dynamoRepository) resolveRefs(ctx context.Context, op string, uids []string) ([]entity.PredictionRef, error) {
	refs := make([]entity.PredictionRef, 0, len(uids))
	for _, uid := range uids {
		meta, err := r.getMeta(ctx, uid)
		if errors.Is(err, prediction.ErrPredictionNotFound) {
			continue
		}
		if err != nil {
			return nil, prediction.NewStorageError(op, err)
		}

		timestamp, err := parseTimestamp(meta.Timestamp)
		if err != nil {
			return nil, prediction.NewStorageError(op, err)
		}
		refs = append(refs, entity.PredictionRef{UID: uid, Timestamp: timestamp})
	}

	sortNewestFirst(refs)
	return refs, nil
}

func (r *dynamoRepository) getMeta(ctx context.Context, uid string) (metaItem, error) {
	out, err := r.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key:       metaKey(uid),
	})
	if err != nil {
		return metaItem{}, err
	}
	if len(out.Item) == 0 {
		return metaItem{}, prediction.ErrPredictionNotFound
	}

	var meta metaItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &meta); err != nil {
		return metaItem{}, err
	}
	return meta, nil
}

func (r *dynamoRepository) GetPredictionImagePath(ctx context.Context, uid string) (string, error) {
	requestID := contextPkg.GetRequestID(ctx)

	meta, err := r.getMeta(ctx, uid)
	if errors.Is(err, prediction.ErrPredictionNotFound) {
		return "", err
	}
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"uid":        uid,
			"error":      err.Error(),
		}).Error("GetPredictionImagePath get item err")
		return "", prediction.NewStorageError("get prediction image path", err)
	}

	return meta.PredictedImage, nil
}

func (r *dynamoRepository) Close() error {
	return nil
}

func (d detectionItem) toEntity() entity.DetectionObject {
	var box entity.Box
	copy(box[:], d.Box)
	return entity.DetectionObject{
		ID:            d.SK,
		PredictionUID: d.PredictionUID,
		Label:         d.Label,
		Score:         d.Score,
		Box:           box,
	}
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
