package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/and161185/tgcollector/internal/errs"
)

// gridfsBucket is the subset of *gridfs.Bucket used by GridFSBlobs.
type gridfsBucket interface {
	UploadFromStream(filename string, source io.Reader, opts ...*options.UploadOptions) (primitive.ObjectID, error)
	DownloadToStreamByName(filename string, stream io.Writer, opts ...*options.NameOptions) (int64, error)
	FindContext(ctx context.Context, filter interface{}, opts ...*options.GridFSFindOptions) (*mongo.Cursor, error)
	DeleteContext(ctx context.Context, fileID interface{}) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// GridFSBlobs stores blobs in a MongoDB GridFS bucket. Each Put uploads a new revision
// and removes the older ones.
type GridFSBlobs struct {
	// deadlines are bucket-wide, so uploads and downloads are serialized
	mu     sync.Mutex
	bucket gridfsBucket
}

// NewGridFSBlobs opens the named bucket in db.
func NewGridFSBlobs(db *mongo.Database, bucketName string) (*GridFSBlobs, error) {
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("artifact: open gridfs bucket: %w", err)
	}
	return &GridFSBlobs{bucket: b}, nil
}

type gridfsFile struct {
	ID primitive.ObjectID `bson:"_id"`
}

func (g *GridFSBlobs) ids(ctx context.Context, name string) ([]primitive.ObjectID, error) {
	cur, err := g.bucket.FindContext(ctx, bson.D{{Key: "filename", Value: name}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []primitive.ObjectID
	for cur.Next(ctx) {
		var f gridfsFile
		if err := cur.Decode(&f); err != nil {
			return nil, err
		}
		out = append(out, f.ID)
	}
	return out, cur.Err()
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

func (g *GridFSBlobs) Exists(ctx context.Context, name string) (bool, error) {
	ids, err := g.ids(ctx, name)
	if err != nil {
		return false, fmt.Errorf("artifact: gridfs find %q: %w", name, err)
	}
	return len(ids) > 0, nil
}

func (g *GridFSBlobs) Get(ctx context.Context, name string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.bucket.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := g.bucket.DownloadToStreamByName(name, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("artifact: gridfs download %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

func (g *GridFSBlobs) Put(ctx context.Context, name string, data []byte) error {
	g.mu.Lock()
	if err := g.bucket.SetWriteDeadline(deadline(ctx)); err != nil {
		g.mu.Unlock()
		return err
	}
	id, err := g.bucket.UploadFromStream(name, bytes.NewReader(data))
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("artifact: gridfs upload %q: %w", name, err)
	}

	ids, err := g.ids(ctx, name)
	if err != nil {
		return fmt.Errorf("artifact: gridfs list revisions %q: %w", name, err)
	}
	for _, old := range ids {
		if old == id {
			continue
		}
		if err := g.bucket.DeleteContext(ctx, old); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("artifact: gridfs prune %q: %w", name, err)
		}
	}
	return nil
}

func (g *GridFSBlobs) Delete(ctx context.Context, name string) error {
	ids, err := g.ids(ctx, name)
	if err != nil {
		return fmt.Errorf("artifact: gridfs find %q: %w", name, err)
	}
	for _, id := range ids {
		if err := g.bucket.DeleteContext(ctx, id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			return fmt.Errorf("artifact: gridfs delete %q: %w", name, err)
		}
	}
	return nil
}
