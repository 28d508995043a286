// Package dynamo implements a pointer store in an AWS DynamoDB table.
package dynamo

import (
	"context"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"github.com/bobg/verso"
	"github.com/bobg/verso/store"
)

var (
	_ verso.PointerStore  = &Store{}
	_ verso.PointerLister = &Store{}
)

// Attribute names.
// The table's partition key is a string attribute named "namespace".
const (
	namespaceAttr = "namespace"
	versionAttr   = "version"
	pinAttr       = "pin_version"
)

// Store is a DynamoDB-based pointer store.
// Each namespace's announcement is one item
// with a numeric "version" attribute
// and an optional numeric "pin_version" attribute.
type Store struct {
	client *dynamodb.Client
	table  string
}

// New produces a new Store using the given table.
func New(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

func key(ns string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{namespaceAttr: &types.AttributeValueMemberS{Value: ns}}
}

func num(v verso.Version) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(v), 10)}
}

// GetPointer implements verso.PointerGetter.
func (s *Store) GetPointer(ctx context.Context, ns string) (verso.Announcement, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  key(ns),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#v, #p"),
		ExpressionAttributeNames: map[string]string{
			"#v": versionAttr,
			"#p": pinAttr,
		},
	})
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "getting announcement for %s", ns)
	}
	return parseItem(ns, out.Item)
}

func parseItem(ns string, item map[string]types.AttributeValue) (verso.Announcement, error) {
	if item == nil {
		return verso.Announcement{}, verso.ErrNotFound
	}
	v, ok, err := numAttr(item, versionAttr)
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "parsing announcement for %s", ns)
	}
	if !ok {
		return verso.Announcement{}, verso.ErrNotFound
	}
	a := verso.Announcement{Version: v}

	pin, ok, err := numAttr(item, pinAttr)
	if err != nil {
		return verso.Announcement{}, errors.Wrapf(err, "parsing pin for %s", ns)
	}
	if ok {
		a.Pin = &pin
	}
	return a, nil
}

// numAttr reads a numeric attribute.
// A missing or NULL attribute is reported as absent.
func numAttr(item map[string]types.AttributeValue, name string) (verso.Version, bool, error) {
	switch av := item[name].(type) {
	case nil, *types.AttributeValueMemberNULL:
		return 0, false, nil
	case *types.AttributeValueMemberN:
		v, err := verso.ParseVersion(av.Value)
		return v, err == nil, err
	default:
		return 0, false, errors.Errorf("attribute %s has type %T, want number", name, av)
	}
}

// Announce implements verso.PointerStore.
func (s *Store) Announce(ctx context.Context, ns string, v verso.Version) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(ns),
		UpdateExpression:          aws.String("SET #v = :v"),
		ExpressionAttributeNames:  map[string]string{"#v": versionAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": num(v)},
	})
	return errors.Wrapf(err, "announcing %d for %s", v, ns)
}

// Pin implements verso.PointerStore.
func (s *Store) Pin(ctx context.Context, ns string, v *verso.Version) error {
	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(ns),
		ConditionExpression:      aws.String("attribute_exists(#v)"),
		ExpressionAttributeNames: map[string]string{"#v": versionAttr, "#p": pinAttr},
	}
	if v == nil {
		in.UpdateExpression = aws.String("REMOVE #p")
	} else {
		in.UpdateExpression = aws.String("SET #p = :p")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":p": num(*v)}
	}

	_, err := s.client.UpdateItem(ctx, in)
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return verso.ErrNotFound
	}
	return errors.Wrapf(err, "pinning %s", ns)
}

// ListPointers implements verso.PointerLister.
// Namespaces are produced in lexicographic order,
// which requires reading the whole table first.
func (s *Store) ListPointers(ctx context.Context, f func(string, verso.Announcement) error) error {
	var (
		namespaces    []string
		announcements = make(map[string]verso.Announcement)
	)

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "scanning announcements")
		}
		for _, item := range out.Items {
			nsAttr, ok := item[namespaceAttr].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			ns := nsAttr.Value
			a, err := parseItem(ns, item)
			if errors.Is(err, verso.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			namespaces = append(namespaces, ns)
			announcements[ns] = a
		}
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		if err := f(ns, announcements[ns]); err != nil {
			return err
		}
	}
	return nil
}

// CreateTable creates a table suitable for a Store.
func CreateTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String(namespaceAttr),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String(namespaceAttr),
			KeyType:       types.KeyTypeHash,
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	return errors.Wrapf(err, "creating table %s", table)
}

func init() {
	store.RegisterPointers("dynamo", func(ctx context.Context, conf map[string]interface{}) (verso.PointerStore, error) {
		table, ok := conf["table"].(string)
		if !ok {
			return nil, errors.New(`missing "table" parameter`)
		}

		var opts []func(*config.LoadOptions) error
		if region, ok := conf["region"].(string); ok {
			opts = append(opts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "loading AWS config")
		}

		endpoint, _ := conf["endpoint"].(string)
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		return New(client, table), nil
	})
}
