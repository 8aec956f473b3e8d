package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// FileIndex remembers the size of every uploaded file so a later deletion can
// subtract exactly what the upload added.
//
// A deleted file leaves a tombstone behind, so a repeated deletion of the same
// file is recognised and subtracts nothing. Recording the file again clears
// the tombstone.
type FileIndex interface {
	Record(ctx context.Context, tenantID uuid.UUID, filename string, sizeBytes int64) error
	// Lookup returns false when the file was never recorded or was deleted.
	Lookup(ctx context.Context, tenantID uuid.UUID, filename string) (int64, bool, error)
	// Take marks a live entry deleted and returns its size. Of any number of
	// concurrent callers, at most one gets true. It returns ErrFileDeleted
	// when the entry is already a tombstone.
	Take(ctx context.Context, tenantID uuid.UUID, filename string) (int64, bool, error)
	// MarkDeleted stores a tombstone for a file the index never recorded.
	// It returns false when the file already has an entry.
	MarkDeleted(ctx context.Context, tenantID uuid.UUID, filename string, sizeBytes int64) (bool, error)
}

type fileKey struct {
	tenantID uuid.UUID
	filename string
}

type fileEntry struct {
	size    int64
	deleted bool
}

// MemoryFileIndex is a FileIndex kept in process memory.
type MemoryFileIndex struct {
	mu      sync.RWMutex
	entries map[fileKey]fileEntry
}

func NewMemoryFileIndex() *MemoryFileIndex {
	return &MemoryFileIndex{entries: make(map[fileKey]fileEntry)}
}

func (i *MemoryFileIndex) Record(_ context.Context, tenantID uuid.UUID, filename string, sizeBytes int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[fileKey{tenantID, filename}] = fileEntry{size: sizeBytes}
	return nil
}

func (i *MemoryFileIndex) Lookup(_ context.Context, tenantID uuid.UUID, filename string) (int64, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[fileKey{tenantID, filename}]
	if !ok || e.deleted {
		return 0, false, nil
	}
	return e.size, true, nil
}

func (i *MemoryFileIndex) Take(_ context.Context, tenantID uuid.UUID, filename string) (int64, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := fileKey{tenantID, filename}
	e, ok := i.entries[key]
	switch {
	case !ok:
		return 0, false, nil
	case e.deleted:
		return 0, false, ErrFileDeleted
	}
	i.entries[key] = fileEntry{size: e.size, deleted: true}
	return e.size, true, nil
}

func (i *MemoryFileIndex) MarkDeleted(_ context.Context, tenantID uuid.UUID, filename string, sizeBytes int64) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := fileKey{tenantID, filename}
	if _, ok := i.entries[key]; ok {
		return false, nil
	}
	i.entries[key] = fileEntry{size: sizeBytes, deleted: true}
	return true, nil
}

// DefaultFileCollection is the collection MongoFileIndex uses.
const DefaultFileCollection = "tenant_files"

// DefaultTombstoneTTL is how long MongoFileIndex keeps deletion tombstones.
const DefaultTombstoneTTL = 30 * 24 * time.Hour

// MongoFileIndex stores one document per (tenant, filename). Deleted files
// keep their document with deletedAt set until the TTL index removes it.
type MongoFileIndex struct {
	coll *mongo.Collection
}

func NewMongoFileIndex(db *mongo.Database) *MongoFileIndex {
	return &MongoFileIndex{coll: db.Collection(DefaultFileCollection)}
}

type fileDocument struct {
	TenantID   string     `bson:"tenantId"`
	Filename   string     `bson:"filename"`
	SizeBytes  int64      `bson:"sizeBytes"`
	RecordedAt time.Time  `bson:"recordedAt"`
	DeletedAt  *time.Time `bson:"deletedAt,omitempty"`
}

// EnsureIndexes creates the unique (tenantId, filename) index and the TTL
// index that expires tombstones.
func (i *MongoFileIndex) EnsureIndexes(ctx context.Context) error {
	_, err := i.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "filename", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "deletedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(DefaultTombstoneTTL.Seconds())),
		},
	})
	if err != nil {
		return errors.Join(ErrFileIndexFailed, err)
	}
	return nil
}

func fileFilter(tenantID uuid.UUID, filename string) bson.D {
	return bson.D{{Key: "tenantId", Value: tenantID.String()}, {Key: "filename", Value: filename}}
}

func liveFileFilter(tenantID uuid.UUID, filename string) bson.D {
	return append(fileFilter(tenantID, filename), bson.E{Key: "deletedAt", Value: bson.D{{Key: "$exists", Value: false}}})
}

func (i *MongoFileIndex) Record(ctx context.Context, tenantID uuid.UUID, filename string, sizeBytes int64) error {
	_, err := i.coll.UpdateOne(ctx,
		fileFilter(tenantID, filename),
		bson.D{
			{Key: "$set", Value: fileDocument{
				TenantID:   tenantID.String(),
				Filename:   filename,
				SizeBytes:  sizeBytes,
				RecordedAt: time.Now().UTC(),
			}},
			{Key: "$unset", Value: bson.D{{Key: "deletedAt", Value: ""}}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return errors.Join(ErrFileIndexFailed, err)
	}
	return nil
}

func (i *MongoFileIndex) Lookup(ctx context.Context, tenantID uuid.UUID, filename string) (int64, bool, error) {
	var doc fileDocument
	if err := i.coll.FindOne(ctx, liveFileFilter(tenantID, filename)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, false, nil
		}
		return 0, false, errors.Join(ErrFileIndexFailed, err)
	}
	return doc.SizeBytes, true, nil
}

func (i *MongoFileIndex) Take(ctx context.Context, tenantID uuid.UUID, filename string) (int64, bool, error) {
	var doc fileDocument
	err := i.coll.FindOneAndUpdate(ctx,
		liveFileFilter(tenantID, filename),
		bson.D{{Key: "$set", Value: bson.D{{Key: "deletedAt", Value: time.Now().UTC()}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&doc)
	if err == nil {
		return doc.SizeBytes, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, errors.Join(ErrFileIndexFailed, err)
	}

	// No live entry: either a tombstone or nothing at all.
	err = i.coll.FindOne(ctx, fileFilter(tenantID, filename)).Err()
	switch {
	case err == nil:
		return 0, false, ErrFileDeleted
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, false, nil
	default:
		return 0, false, errors.Join(ErrFileIndexFailed, err)
	}
}

func (i *MongoFileIndex) MarkDeleted(ctx context.Context, tenantID uuid.UUID, filename string, sizeBytes int64) (bool, error) {
	now := time.Now().UTC()
	res, err := i.coll.UpdateOne(ctx,
		fileFilter(tenantID, filename),
		bson.D{{Key: "$setOnInsert", Value: fileDocument{
			TenantID:   tenantID.String(),
			Filename:   filename,
			SizeBytes:  sizeBytes,
			RecordedAt: now,
			DeletedAt:  &now,
		}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errors.Join(ErrFileIndexFailed, err)
	}
	return res.UpsertedCount == 1, nil
}
