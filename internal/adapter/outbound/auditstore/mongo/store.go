// Package mongo is the MongoDB-backed audit.DocumentStore, selected when
// MONGODB_URI is set. Grounded on the goadesign-goa-ai session store's
// mongo client wrapper idiom: a thin collection wrapper, indexes ensured at
// construction, every operation bounded by a per-call timeout derived from
// the caller's context.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/toolgate/toolgate/internal/domain/audit"
)

const defaultOpTimeout = 5 * time.Second

// Store implements audit.DocumentStore on top of a MongoDB database, one
// collection per audit.Collection* name.
type Store struct {
	client   *mongodriver.Client
	database string
	timeout  time.Duration
}

// Options configures New.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// New connects the store to Options.Database and ensures every index the
// dashboard read surface relies on exists before returning.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{client: opts.Client, database: opts.Database, timeout: timeout}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) collection(name string) *mongodriver.Collection {
	return s.client.Database(s.database).Collection(name)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	toolLogs := s.collection(audit.CollectionToolLogs)
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "server_name", Value: 1}}},
		{Keys: bson.D{{Key: "tool_name", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "session_id", Value: 1}}},
		{Keys: bson.D{
			{Key: "server_name", Value: 1},
			{Key: "tool_name", Value: 1},
			{Key: "timestamp", Value: -1},
		}},
	}
	if _, err := toolLogs.Indexes().CreateMany(ctx, indexes); err != nil {
		return err
	}

	governanceLogs := s.collection(audit.CollectionGovernanceLogs)
	if _, err := governanceLogs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "server_name", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	}); err != nil {
		return err
	}

	serverTools := s.collection(audit.CollectionServerTools)
	if _, err := serverTools.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "server_name", Value: 1},
			{Key: "tool_name", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}

	for _, name := range []string{audit.CollectionServers, audit.CollectionGovernanceConfigs, audit.CollectionServerPolicies} {
		if _, err := s.collection(name).Indexes().CreateOne(ctx, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "server_name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Insert appends document to collection.
func (s *Store) Insert(ctx context.Context, collection string, document map[string]interface{}) error {
	if collection == "" {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.collection(collection).InsertOne(ctx, document)
	return err
}

// Upsert replaces the document matched by keyFilter, or inserts it if no
// document matches.
func (s *Store) Upsert(ctx context.Context, collection string, keyFilter map[string]interface{}, document map[string]interface{}) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.collection(collection).UpdateOne(ctx,
		bson.M(keyFilter),
		bson.M{"$set": bson.M(document)},
		options.Update().SetUpsert(true),
	)
	return err
}

// Find runs query against collection, sorted by timestamp: ascending when
// sortField is "timestamp_asc", descending for any other value (including
// empty); no other sort field is recognised. Bounded to limit rows. The
// synthetic keys "since"/"until" in query are translated to a range filter
// on "timestamp" rather than taken as literal field names, matching the
// convention AuditService.QueryToolLogs builds its query with.
func (s *Store) Find(ctx context.Context, collection string, query map[string]interface{}, sortField string, limit int) ([]map[string]interface{}, error) {
	filter := translateFilter(query)
	sortKey, sortDir := parseSortField(sortField)
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.collection(collection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: sortKey, Value: sortDir}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make([]map[string]interface{}, 0, limit)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		delete(doc, "_id")
		out = append(out, map[string]interface{}(doc))
	}
	return out, cur.Err()
}

// Aggregate computes per-(server_name, tool_name) rollups over window:
// total/successful/failed/denied call counts plus average/min/max duration
// and average output size, restricted to completion events.
func (s *Store) Aggregate(ctx context.Context, collection string, window audit.TimeWindow) ([]map[string]interface{}, error) {
	matchStage := bson.M{
		"event_type": "completion",
	}
	if window.ServerName != "" {
		matchStage["server_name"] = window.ServerName
	}
	timeFilter := bson.M{}
	if !window.Since.IsZero() {
		timeFilter["$gte"] = window.Since
	}
	if !window.Until.IsZero() {
		timeFilter["$lte"] = window.Until
	}
	if len(timeFilter) > 0 {
		matchStage["timestamp"] = timeFilter
	}

	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: matchStage}},
		{{Key: "$group", Value: bson.M{
			"_id":         bson.M{"server_name": "$server_name", "tool_name": "$tool_name"},
			"total_calls": bson.M{"$sum": 1},
			"successful": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$eq": bson.A{"$status", "success"}}, 1, 0},
			}},
			"failed": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$eq": bson.A{"$status", "error"}}, 1, 0},
			}},
			"denied": bson.M{"$sum": bson.M{
				"$cond": bson.A{bson.M{"$eq": bson.A{"$status", "denied"}}, 1, 0},
			}},
			"avg_duration_ms":  bson.M{"$avg": "$duration_ms"},
			"min_duration_ms":  bson.M{"$min": "$duration_ms"},
			"max_duration_ms":  bson.M{"$max": "$duration_ms"},
			"avg_output_bytes": bson.M{"$avg": "$output_bytes"},
		}}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []map[string]interface{}
	for cur.Next(ctx) {
		var row struct {
			ID struct {
				ServerName string `bson:"server_name"`
				ToolName   string `bson:"tool_name"`
			} `bson:"_id"`
			TotalCalls     int64   `bson:"total_calls"`
			Successful     int64   `bson:"successful"`
			Failed         int64   `bson:"failed"`
			Denied         int64   `bson:"denied"`
			AvgDurationMs  float64 `bson:"avg_duration_ms"`
			MinDurationMs  float64 `bson:"min_duration_ms"`
			MaxDurationMs  float64 `bson:"max_duration_ms"`
			AvgOutputBytes float64 `bson:"avg_output_bytes"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{
			"server_name":      row.ID.ServerName,
			"tool_name":        row.ID.ToolName,
			"total_calls":      row.TotalCalls,
			"successful":       row.Successful,
			"failed":           row.Failed,
			"denied":           row.Denied,
			"avg_duration_ms":  row.AvgDurationMs,
			"min_duration_ms":  row.MinDurationMs,
			"max_duration_ms":  row.MaxDurationMs,
			"avg_output_bytes": row.AvgOutputBytes,
		})
	}
	return out, cur.Err()
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func translateFilter(query map[string]interface{}) bson.M {
	filter := bson.M{}
	timeFilter := bson.M{}
	for k, v := range query {
		switch k {
		case "since":
			timeFilter["$gte"] = v
		case "until":
			timeFilter["$lte"] = v
		default:
			filter[k] = v
		}
	}
	if len(timeFilter) > 0 {
		filter["timestamp"] = timeFilter
	}
	return filter
}

func parseSortField(sortField string) (string, int) {
	switch sortField {
	case "", "timestamp_desc":
		return "timestamp", -1
	case "timestamp_asc":
		return "timestamp", 1
	default:
		return "timestamp", -1
	}
}

var _ audit.DocumentStore = (*Store)(nil)
