package predictionRepository

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

var (
	setClausePattern   = regexp.MustCompile(`(#\w+)\s*=\s*(if_not_exists\s*\(\s*(#\w+)\s*,\s*(:\w+)\s*\)|:\w+)`)
	equalityPattern    = regexp.MustCompile(`(#\w+)\s*=\s*(:\w+)`)
	beginsWithPattern  = regexp.MustCompile(`begins_with\s*\(\s*(#\w+)\s*,\s*(:\w+)\s*\)`)
	greaterThanPattern = regexp.MustCompile(`(#\w+)\s*>=\s*(:\w+)`)
)

// fakeDynamo is a single-table, in-memory DynamoDB that understands exactly
// the expressions the repository builds. Query and Scan results are paged two
// items at a time.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	mu           sync.Mutex
	items        map[string]map[string]*dynamodb.AttributeValue
	tableExists  bool
	createCalls  int
	pageSize     int
	scanCalls    int
	failNextCall error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:       make(map[string]map[string]*dynamodb.AttributeValue),
		tableExists: true,
		pageSize:    2,
	}
}

func itemKey(key map[string]*dynamodb.AttributeValue) string {
	return aws.StringValue(key["PK"].S) + "|" + aws.StringValue(key["SK"].S)
}

func (f *fakeDynamo) takeFailure() error {
	err := f.failNextCall
	f.failNextCall = nil
	return err
}

func (f *fakeDynamo) DescribeTableWithContext(_ aws.Context, in *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.tableExists {
		return nil, &dynamodb.ResourceNotFoundException{Message_: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeDynamo) CreateTableWithContext(_ aws.Context, in *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	f.tableExists = true
	return &dynamodb.CreateTableOutput{TableDescription: &dynamodb.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeDynamo) WaitUntilTableExistsWithContext(_ aws.Context, _ *dynamodb.DescribeTableInput, _ ...request.WaiterOption) error {
	return nil
}

func (f *fakeDynamo) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	key := itemKey(in.Key)
	item, ok := f.items[key]
	if !ok {
		item = map[string]*dynamodb.AttributeValue{"PK": in.Key["PK"], "SK": in.Key["SK"]}
	}

	for _, m := range setClausePattern.FindAllStringSubmatch(aws.StringValue(in.UpdateExpression), -1) {
		name := aws.StringValue(in.ExpressionAttributeNames[m[1]])
		if m[3] != "" {
			if _, exists := item[aws.StringValue(in.ExpressionAttributeNames[m[3]])]; exists {
				continue
			}
			item[name] = in.ExpressionAttributeValues[m[4]]
			continue
		}
		item[name] = in.ExpressionAttributeValues[m[2]]
	}

	f.items[key] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItemsWithContext(_ aws.Context, in *dynamodb.TransactWriteItemsInput, _ ...request.Option) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	reasons := make([]*dynamodb.CancellationReason, len(in.TransactItems))
	cancelled := false
	for i, ti := range in.TransactItems {
		reasons[i] = &dynamodb.CancellationReason{Code: aws.String("None")}
		if ti.ConditionCheck == nil {
			continue
		}
		if !strings.Contains(aws.StringValue(ti.ConditionCheck.ConditionExpression), "attribute_exists") {
			return nil, fmt.Errorf("fake: unsupported condition %q", aws.StringValue(ti.ConditionCheck.ConditionExpression))
		}
		if _, ok := f.items[itemKey(ti.ConditionCheck.Key)]; !ok {
			reasons[i] = &dynamodb.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			cancelled = true
		}
	}
	if cancelled {
		return nil, &dynamodb.TransactionCanceledException{
			Message_:            aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put != nil {
			f.items[itemKey(ti.Put.Item)] = ti.Put.Item
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) QueryPagesWithContext(_ aws.Context, in *dynamodb.QueryInput, fn func(*dynamodb.QueryOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	if err := f.takeFailure(); err != nil {
		f.mu.Unlock()
		return err
	}

	m := equalityPattern.FindStringSubmatch(aws.StringValue(in.KeyConditionExpression))
	if m == nil {
		f.mu.Unlock()
		return fmt.Errorf("fake: unsupported key condition %q", aws.StringValue(in.KeyConditionExpression))
	}
	attr := aws.StringValue(in.ExpressionAttributeNames[m[1]])
	want := aws.StringValue(in.ExpressionAttributeValues[m[2]].S)

	matched := f.matching(func(item map[string]*dynamodb.AttributeValue) bool {
		v, ok := item[attr]
		return ok && aws.StringValue(v.S) == want
	})
	f.mu.Unlock()

	for start := 0; ; start += f.pageSize {
		end := start + f.pageSize
		if end > len(matched) {
			end = len(matched)
		}
		last := end == len(matched)
		if !fn(&dynamodb.QueryOutput{Items: matched[start:end]}, last) || last {
			return nil
		}
	}
}

func (f *fakeDynamo) ScanPagesWithContext(_ aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	f.scanCalls++
	if err := f.takeFailure(); err != nil {
		f.mu.Unlock()
		return err
	}

	filter := aws.StringValue(in.FilterExpression)
	bw := beginsWithPattern.FindStringSubmatch(filter)
	gte := greaterThanPattern.FindStringSubmatch(filter)
	if bw == nil || gte == nil {
		f.mu.Unlock()
		return fmt.Errorf("fake: unsupported filter %q", filter)
	}
	prefixAttr := aws.StringValue(in.ExpressionAttributeNames[bw[1]])
	prefix := aws.StringValue(in.ExpressionAttributeValues[bw[2]].S)
	numAttr := aws.StringValue(in.ExpressionAttributeNames[gte[1]])
	minScore, _ := strconv.ParseFloat(aws.StringValue(in.ExpressionAttributeValues[gte[2]].N), 64)

	matched := f.matching(func(item map[string]*dynamodb.AttributeValue) bool {
		p, ok := item[prefixAttr]
		if !ok || !strings.HasPrefix(aws.StringValue(p.S), prefix) {
			return false
		}
		n, ok := item[numAttr]
		if !ok {
			return false
		}
		v, err := strconv.ParseFloat(aws.StringValue(n.N), 64)
		return err == nil && v >= minScore
	})
	f.mu.Unlock()

	for start := 0; ; start += f.pageSize {
		end := start + f.pageSize
		if end > len(matched) {
			end = len(matched)
		}
		last := end == len(matched)
		if !fn(&dynamodb.ScanOutput{Items: matched[start:end]}, last) || last {
			return nil
		}
	}
}

// matching returns the items accepted by keep in key order. Callers hold mu.
func (f *fakeDynamo) matching(keep func(map[string]*dynamodb.AttributeValue) bool) []map[string]*dynamodb.AttributeValue {
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []map[string]*dynamodb.AttributeValue
	for _, k := range keys {
		if keep(f.items[k]) {
			out = append(out, f.items[k])
		}
	}
	return out
}
