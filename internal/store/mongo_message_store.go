package store

import (
	"context"
	"fmt"
	"time"

	"go-dm/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessageStore 基于 MongoDB 的消息存储实现（默认后端）。
// - 文档字段沿用 Web 客户端既有的 senderId/receiverId/text/image/createdAt
// - 会话查询为双向 $or，按 createdAt、_id 正序（ObjectID 在同毫秒内单调递增）
type MongoMessageStore struct {
	DB  *mongo.Database
	now func() time.Time
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	return &MongoMessageStore{DB: db, now: time.Now}
}

// mongoMessage 为存储层内部结构，与 models.Message 一一映射。
type mongoMessage struct {
	ID         primitive.ObjectID `bson:"_id"`
	SenderID   string             `bson:"senderId"`
	ReceiverID string             `bson:"receiverId"`
	Text       string             `bson:"text,omitempty"`
	Image      string             `bson:"image,omitempty"`
	CreatedAt  time.Time          `bson:"createdAt"`
}

func (d *mongoMessage) toModel() models.Message {
	return models.Message{
		ID:         d.ID.Hex(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		ImageURL:   d.Image,
		CreatedAt:  d.CreatedAt.UTC(),
	}
}

func (s *MongoMessageStore) collection() *mongo.Collection {
	return s.DB.Collection("messages")
}

// EnsureIndexes 创建会话查询索引（重复创建无害），启动时调用一次。
func (s *MongoMessageStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("idx_pair_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

// Insert 写入消息；BSON 日期精度为毫秒，这里提前截断，保证返回值与读回值一致。
func (s *MongoMessageStore) Insert(ctx context.Context, d *models.Draft) (*models.Message, error) {
	doc := &mongoMessage{
		ID:         primitive.NewObjectID(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		Image:      d.ImageURL,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.collection().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	m := doc.toModel()
	return &m, nil
}

func (s *MongoMessageStore) QueryConversation(ctx context.Context, a, b string) ([]models.Message, error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "senderId", Value: a}, {Key: "receiverId", Value: b}},
		bson.D{{Key: "senderId", Value: b}, {Key: "receiverId", Value: a}},
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	defer cursor.Close(ctx)

	res := []models.Message{}
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		res = append(res, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return res, nil
}
