package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"talkie-go/internal/config"
)

// mongoStore implements DocumentStore on top of MongoDB: sessions provide
// the serializable transactions, change streams drive the live queries.
// 需要副本集部署（单机 mongod 不支持事务和 change stream）。
type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and returns a DocumentStore backed by it.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig) (DocumentStore, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("连接 MongoDB 失败: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB ping 失败: %w", err)
	}
	return &mongoStore{client: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the underlying client.
func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	return getDocument(ctx, s.db, collection, id)
}

func (s *mongoStore) AddDocument(ctx context.Context, collection string, data map[string]any) (string, error) {
	return addDocument(ctx, s.db, collection, data)
}

func (s *mongoStore) SetDocument(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	now := time.Now().UTC()
	coll := s.db.Collection(collection)
	if merge {
		set, unset := splitNilFields(data)
		set["updatedAt"] = now
		update := bson.M{"$set": set, "$setOnInsert": bson.M{"createdAt": now}}
		if len(unset) > 0 {
			update["$unset"] = unset
		}
		_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
		return err
	}
	doc, _ := splitNilFields(data)
	doc["_id"] = id
	doc["createdAt"] = now
	doc["updatedAt"] = now
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *mongoStore) UpdateDocument(ctx context.Context, collection, id string, data map[string]any) error {
	return updateDocument(ctx, s.db, collection, id, data)
}

func (s *mongoStore) DeleteDocument(ctx context.Context, collection, id string) error {
	return deleteDocument(ctx, s.db, collection, id)
}

func (s *mongoStore) QueryDocuments(ctx context.Context, collection string, q Query) ([]Document, error) {
	return queryDocuments(ctx, s.db, collection, q)
}

// --- streams ---

func (s *mongoStore) CollectionStream(ctx context.Context, collection string, q Query) (<-chan []Document, error) {
	coll := s.db.Collection(collection)
	stream, err := coll.Watch(ctx, mongo.Pipeline{}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("打开 %s 的 change stream 失败: %w", collection, err)
	}

	out := make(chan []Document, 1)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		last, err := s.QueryDocuments(ctx, collection, q)
		if err != nil {
			log.Error().Err(err).Str("collection", collection).Msg("collection stream 初始查询失败")
			return
		}
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}

		// 每收到一次变更事件就重新评估查询，结果变化时才发射。
		for stream.Next(ctx) {
			cur, err := s.QueryDocuments(ctx, collection, q)
			if err != nil {
				log.Error().Err(err).Str("collection", collection).Msg("collection stream 重新查询失败")
				continue
			}
			if documentsEqual(last, cur) {
				continue
			}
			last = cur
			select {
			case out <- cur:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *mongoStore) DocumentStream(ctx context.Context, collection, id string) (<-chan *Document, error) {
	coll := s.db.Collection(collection)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": id}}}}
	stream, err := coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("打开文档 %s/%s 的 change stream 失败: %w", collection, id, err)
	}

	out := make(chan *Document, 1)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		last, err := s.GetDocument(ctx, collection, id)
		if err != nil && !errors.Is(err, ErrDocumentNotFound) {
			log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("document stream 初始读取失败")
			return
		}
		select {
		case out <- last:
		case <-ctx.Done():
			return
		}

		for stream.Next(ctx) {
			cur, err := s.GetDocument(ctx, collection, id)
			if err != nil && !errors.Is(err, ErrDocumentNotFound) {
				log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("document stream 重新读取失败")
				continue
			}
			if documentEqual(last, cur) {
				continue
			}
			last = cur
			select {
			case out <- cur:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// --- transactions ---

func (s *mongoStore) RunTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("开启 MongoDB session 失败: %w", err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	// WithTransaction 自己处理 TransientTransactionError 的重试；
	// fn 返回的业务错误会中止事务并原样传出。
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&mongoTx{ctx: sc, db: s.db})
	}, txnOpts)
	return err
}

type mongoTx struct {
	ctx mongo.SessionContext
	db  *mongo.Database
}

func (t *mongoTx) Get(collection, id string) (*Document, error) {
	return getDocument(t.ctx, t.db, collection, id)
}

func (t *mongoTx) Query(collection string, q Query) ([]Document, error) {
	return queryDocuments(t.ctx, t.db, collection, q)
}

func (t *mongoTx) Create(collection string, data map[string]any) (string, error) {
	return addDocument(t.ctx, t.db, collection, data)
}

func (t *mongoTx) Update(collection, id string, data map[string]any) error {
	return updateDocument(t.ctx, t.db, collection, id, data)
}

func (t *mongoTx) Delete(collection, id string) error {
	return deleteDocument(t.ctx, t.db, collection, id)
}

// --- shared operations (plain and transactional paths) ---

func getDocument(ctx context.Context, db *mongo.Database, collection, id string) (*Document, error) {
	var raw bson.M
	err := db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return documentFromRaw(raw), nil
}

func addDocument(ctx context.Context, db *mongo.Database, collection string, data map[string]any) (string, error) {
	id := primitive.NewObjectID().Hex()
	doc, _ := splitNilFields(data)
	now := time.Now().UTC()
	doc["_id"] = id
	doc["createdAt"] = now
	doc["updatedAt"] = now
	if _, err := db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return id, nil
}

func updateDocument(ctx context.Context, db *mongo.Database, collection, id string, data map[string]any) error {
	set, unset := splitNilFields(data)
	set["updatedAt"] = time.Now().UTC()
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	res, err := db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func deleteDocument(ctx context.Context, db *mongo.Database, collection, id string) error {
	res, err := db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func queryDocuments(ctx context.Context, db *mongo.Database, collection string, q Query) ([]Document, error) {
	findOpts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cursor, err := db.Collection(collection).Find(ctx, filtersToBson(q.Filters), findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make([]Document, 0)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, *documentFromRaw(raw))
	}
	return out, cursor.Err()
}

func filtersToBson(filters []Filter) bson.M {
	query := bson.M{}
	for _, f := range filters {
		switch f.Op {
		case OpEqual, OpArrayContains:
			// MongoDB 对数组字段的相等匹配天然覆盖 array-contains 语义
			query[f.Field] = f.Value
		}
	}
	return query
}

// splitNilFields separates nil-valued fields (cleared, e.g. acceptedAt)
// from concrete values.
func splitNilFields(data map[string]any) (set bson.M, unset bson.M) {
	set = bson.M{}
	unset = bson.M{}
	for k, v := range data {
		if v == nil {
			unset[k] = ""
			continue
		}
		set[k] = v
	}
	return set, unset
}

func documentFromRaw(raw bson.M) *Document {
	id, _ := raw["_id"].(string)
	delete(raw, "_id")
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		data[k] = normalizeBsonValue(v)
	}
	return &Document{ID: id, Data: data}
}

func normalizeBsonValue(v any) any {
	switch vv := v.(type) {
	case primitive.DateTime:
		return vv.Time().UTC()
	case primitive.A:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = normalizeBsonValue(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			out[k] = normalizeBsonValue(e)
		}
		return out
	default:
		return v
	}
}
