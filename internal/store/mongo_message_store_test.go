package store

import (
	"context"
	"testing"
	"time"

	"go-dm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoMessageStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert assigns id and ms timestamp", func(mt *mtest.T) {
		s := NewMongoMessageStore(mt.DB)
		s.now = fixedNow
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		m, err := s.Insert(context.Background(), &models.Draft{SenderID: "u1", ReceiverID: "u2", Text: "hi"})
		require.NoError(mt, err)
		assert.Len(mt, m.ID, 24)
		assert.Equal(mt, fixedNow().Truncate(time.Millisecond), m.CreatedAt)
	})

	mt.Run("insert failure surfaces", func(mt *mtest.T) {
		s := NewMongoMessageStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11600, Message: "interrupted"}))

		_, err := s.Insert(context.Background(), &models.Draft{SenderID: "u1", ReceiverID: "u2", Text: "hi"})
		assert.Error(mt, err)
	})

	mt.Run("query decodes both directions in order", func(mt *mtest.T) {
		s := NewMongoMessageStore(mt.DB)
		t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		id1, id2 := primitive.NewObjectID(), primitive.NewObjectID()
		ns := mt.DB.Name() + ".messages"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{
				{Key: "_id", Value: id1},
				{Key: "senderId", Value: "u1"},
				{Key: "receiverId", Value: "u2"},
				{Key: "text", Value: "hello"},
				{Key: "createdAt", Value: t0},
			},
			bson.D{
				{Key: "_id", Value: id2},
				{Key: "senderId", Value: "u2"},
				{Key: "receiverId", Value: "u1"},
				{Key: "image", Value: "/media/x.png"},
				{Key: "createdAt", Value: t0.Add(time.Second)},
			},
		))

		got, err := s.QueryConversation(context.Background(), "u1", "u2")
		require.NoError(mt, err)
		require.Len(mt, got, 2)
		assert.Equal(mt, id1.Hex(), got[0].ID)
		assert.Equal(mt, "hello", got[0].Text)
		assert.Equal(mt, "/media/x.png", got[1].ImageURL)
		assert.True(mt, got[1].CreatedAt.Equal(t0.Add(time.Second)))
	})

	mt.Run("query empty conversation", func(mt *mtest.T) {
		s := NewMongoMessageStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".messages", mtest.FirstBatch))

		got, err := s.QueryConversation(context.Background(), "u1", "u9")
		require.NoError(mt, err)
		assert.Empty(mt, got)
	})
}
