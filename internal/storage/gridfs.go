package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStore keeps blobs in a MongoDB GridFS bucket, one file per key.
type GridFSStore struct {
	client *mongo.Client
	bucket *gridfs.Bucket
}

// NewGridFSStore connects to uri and opens the chat_attachments bucket in database.
func NewGridFSStore(ctx context.Context, uri, database string) (*GridFSStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	bucket, err := gridfs.NewBucket(client.Database(database), options.GridFSBucket().SetName("chat_attachments"))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	return &GridFSStore{client: client, bucket: bucket}, nil
}

// Close disconnects from MongoDB.
func (s *GridFSStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *GridFSStore) Put(ctx context.Context, obj Object, content io.Reader) (Object, error) {
	if !ValidKey(obj.Key) {
		return Object{}, ErrInvalidKey
	}
	obj.UploadedAt = time.Now().UTC()
	metadata := bson.M{
		"content_type": obj.ContentType,
		"uploaded_by":  obj.UploadedBy,
		"uploaded_at":  obj.UploadedAt,
	}

	stream, err := s.bucket.OpenUploadStream(obj.Key, options.GridFSUpload().SetMetadata(metadata))
	if err != nil {
		return Object{}, fmt.Errorf("upload failed: %w", err)
	}
	size, err := io.Copy(stream, content)
	if err != nil {
		_ = stream.Abort()
		return Object{}, fmt.Errorf("file copy failed: %w", err)
	}
	if err := stream.Close(); err != nil {
		return Object{}, fmt.Errorf("upload failed: %w", err)
	}
	obj.Size = size
	return obj, nil
}

func (s *GridFSStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if !ValidKey(key) {
		return nil, Object{}, ErrInvalidKey
	}
	stream, err := s.bucket.OpenDownloadStreamByName(key)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, Object{}, ErrNotFound
	}
	if err != nil {
		return nil, Object{}, fmt.Errorf("download failed: %w", err)
	}

	file := stream.GetFile()
	var metadata struct {
		ContentType string    `bson:"content_type"`
		UploadedBy  string    `bson:"uploaded_by"`
		UploadedAt  time.Time `bson:"uploaded_at"`
	}
	if file.Metadata != nil {
		_ = bson.Unmarshal(file.Metadata, &metadata)
	}
	return stream, Object{
		Key:         key,
		ContentType: metadata.ContentType,
		Size:        file.Length,
		UploadedBy:  metadata.UploadedBy,
		UploadedAt:  file.UploadDate,
	}, nil
}
