package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
)

// Store is the single shared mutable resource of the agent core. SQLite
// is the durable source of truth for every record; a chromem-go index
// over the same records serves nearest-neighbor queries and is rebuilt
// from SQLite on open. Writes to one (collection, id) pair are
// linearized through a striped id lock, so concurrent writers never
// lose updates and counter mutations happen under the lock rather than
// on a stale snapshot.
type Store struct {
	db       *sql.DB
	vectors  *chromem.DB
	cols     map[string]*chromem.Collection
	embedder Embedder
	locks    keyedLocks
}

// QueryRequest describes a similarity query. Exactly one of Text or
// Vector must be set; Filter restricts hits by exact-match metadata.
type QueryRequest struct {
	Text   string
	Vector []float32
	K      int
	Filter map[string]string
}

// ListOptions restricts a recency-ordered scan.
type ListOptions struct {
	Category string
	Limit    int
}

var knownCollections = map[string]bool{
	CollectionExperiences: true,
	CollectionKnowledge:   true,
	CollectionStrategies:  true,
	CollectionGoals:       true,
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    category   TEXT NOT NULL DEFAULT '',
    text       TEXT NOT NULL,
    meta       TEXT NOT NULL DEFAULT '{}',
    payload    TEXT NOT NULL,
    embedding  TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_records_category
ON records(collection, category);

CREATE INDEX IF NOT EXISTS idx_records_created_at
ON records(collection, created_at);
`

// Open creates or opens a store at path (":memory:" for ephemeral) and
// rebuilds the similarity index from the durable records.
func Open(path string, embedder Embedder) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to open SQLite database"),
			errors.Fields{"path": path},
		)
	}

	// A single connection sidesteps table-lock errors between the
	// write transactions of concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to initialize records table")
	}

	s := &Store{
		db:       db,
		vectors:  chromem.NewDB(),
		cols:     make(map[string]*chromem.Collection),
		embedder: embedder,
	}

	for name := range knownCollections {
		// Embeddings are always provided explicitly, so no embedding
		// func is registered with chromem.
		col, err := s.vectors.CreateCollection(name, nil, nil)
		if err != nil {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.Unknown, "failed to create vector collection"),
				errors.Fields{"collection": name},
			)
		}
		s.cols[name] = col
	}

	if err := s.reindex(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to close store")
	}
	return nil
}

// Put inserts or upserts a record by id, computing its embedding from
// Text when one is not already attached.
func (s *Store) Put(ctx context.Context, collection string, rec Record) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New(errors.InvalidInput, "record id must not be empty")
	}

	rec = stampTimes(rec)
	if rec.Embedding == nil {
		vec, err := s.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return errors.Wrap(err, errors.TransientExternal, "embedding failed")
		}
		rec.Embedding = vec
	}

	unlock := s.locks.lock(collection + "/" + rec.ID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to begin transaction")
	}
	defer rollback(tx)

	if err := upsertRecordTx(tx, collection, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to commit record")
	}

	return s.index(ctx, collection, rec)
}

// Get returns the record or a not-found error. Reads of an id serialize
// with writes to the same id.
func (s *Store) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := checkCollection(collection); err != nil {
		return Record{}, err
	}

	unlock := s.locks.lock(collection + "/" + id)
	defer unlock()

	return s.getRecord(ctx, collection, id)
}

// Update applies a read-modify-write to one record under its id lock.
// The callback sees the current record and mutates it in place; the
// result is persisted and reindexed before the lock is released.
func (s *Store) Update(ctx context.Context, collection, id string, fn func(*Record) error) error {
	if err := checkCollection(collection); err != nil {
		return err
	}

	unlock := s.locks.lock(collection + "/" + id)
	defer unlock()

	rec, err := s.getRecord(ctx, collection, id)
	if err != nil {
		return err
	}

	oldText := rec.Text
	if err := fn(&rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	if rec.Text != oldText || rec.Embedding == nil {
		vec, err := s.embedder.Embed(ctx, rec.Text)
		if err != nil {
			return errors.Wrap(err, errors.TransientExternal, "embedding failed")
		}
		rec.Embedding = vec
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to begin transaction")
	}
	defer rollback(tx)

	if err := upsertRecordTx(tx, collection, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to commit record update")
	}

	return s.index(ctx, collection, rec)
}

// CommitExperience writes an experience and its strategy's counter
// update as one unit: both rows land in a single transaction while the
// strategy's id lock is held, so a reader of that strategy never sees
// the experience without the counter change or vice versa. The strategy
// is created if absent; mutate receives it (with created reporting
// first use) and applies the counter deltas.
func (s *Store) CommitExperience(ctx context.Context, exp *Experience, mutate func(strat *Strategy, created bool) error) (*Strategy, error) {
	if exp.ID == "" || exp.StrategyID == "" {
		return nil, errors.New(errors.InvalidInput, "experience id and strategy id must not be empty")
	}

	expRec, err := EncodeExperience(exp)
	if err != nil {
		return nil, err
	}
	expRec = stampTimes(expRec)
	expRec.Embedding, err = s.embedder.Embed(ctx, expRec.Text)
	if err != nil {
		return nil, errors.Wrap(err, errors.TransientExternal, "embedding failed")
	}

	unlock := s.locks.lock2(
		CollectionStrategies+"/"+exp.StrategyID,
		CollectionExperiences+"/"+exp.ID,
	)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to begin transaction")
	}
	defer rollback(tx)

	stratRec, err := getRecordTx(tx, CollectionStrategies, exp.StrategyID)
	created := false
	var strat *Strategy
	switch {
	case err == nil:
		strat, err = DecodeStrategy(stratRec)
		if err != nil {
			return nil, err
		}
	case errors.IsNotFound(err):
		created = true
		strat = &Strategy{
			ID:        exp.StrategyID,
			Category:  exp.Category,
			CreatedAt: exp.CreatedAt,
		}
	default:
		return nil, err
	}

	if err := mutate(strat, created); err != nil {
		return nil, err
	}
	strat.LastUsed = exp.CreatedAt

	newStratRec, err := EncodeStrategy(strat)
	if err != nil {
		return nil, err
	}
	newStratRec.CreatedAt = strat.CreatedAt
	newStratRec.UpdatedAt = strat.LastUsed
	newStratRec.Embedding, err = s.embedder.Embed(ctx, newStratRec.Text)
	if err != nil {
		return nil, errors.Wrap(err, errors.TransientExternal, "embedding failed")
	}

	if err := upsertRecordTx(tx, CollectionExperiences, expRec); err != nil {
		return nil, err
	}
	if err := upsertRecordTx(tx, CollectionStrategies, newStratRec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to commit experience")
	}

	if err := s.index(ctx, CollectionExperiences, expRec); err != nil {
		return nil, err
	}
	if err := s.index(ctx, CollectionStrategies, newStratRec); err != nil {
		return nil, err
	}
	return strat, nil
}

// MutateStrategy applies a read-modify-write to one strategy, creating
// it when absent. Load, mutate and persist all happen while the
// strategy's id lock is held, so two callers racing to create the same
// strategy serialize instead of both writing a fresh row.
func (s *Store) MutateStrategy(ctx context.Context, id, category string, mutate func(strat *Strategy, created bool) error) (*Strategy, error) {
	if id == "" {
		return nil, errors.New(errors.InvalidInput, "strategy id must not be empty")
	}

	unlock := s.locks.lock(CollectionStrategies + "/" + id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to begin transaction")
	}
	defer rollback(tx)

	rec, err := getRecordTx(tx, CollectionStrategies, id)
	created := false
	var strat *Strategy
	switch {
	case err == nil:
		strat, err = DecodeStrategy(rec)
		if err != nil {
			return nil, err
		}
	case errors.IsNotFound(err):
		created = true
		strat = &Strategy{
			ID:        id,
			Category:  category,
			CreatedAt: time.Now().UTC(),
		}
	default:
		return nil, err
	}

	if err := mutate(strat, created); err != nil {
		return nil, err
	}
	if strat.LastUsed.IsZero() {
		strat.LastUsed = strat.CreatedAt
	}

	newRec, err := EncodeStrategy(strat)
	if err != nil {
		return nil, err
	}
	newRec.CreatedAt = strat.CreatedAt
	newRec.UpdatedAt = time.Now().UTC()
	newRec.Embedding, err = s.embedder.Embed(ctx, newRec.Text)
	if err != nil {
		return nil, errors.Wrap(err, errors.TransientExternal, "embedding failed")
	}

	if err := upsertRecordTx(tx, CollectionStrategies, newRec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to commit strategy update")
	}

	if err := s.index(ctx, CollectionStrategies, newRec); err != nil {
		return nil, err
	}
	return strat, nil
}

// Query returns up to K records ordered by descending similarity, ties
// broken by most recent update. Filters restrict by exact-match
// metadata such as category.
func (s *Store) Query(ctx context.Context, collection string, req QueryRequest) ([]Result, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if req.K <= 0 {
		return nil, errors.New(errors.InvalidInput, "query k must be positive")
	}

	vec := req.Vector
	if vec == nil {
		var err error
		vec, err = s.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, errors.Wrap(err, errors.TransientExternal, "embedding failed")
		}
	}

	var where map[string]string
	if len(req.Filter) > 0 {
		where = req.Filter
	}

	col := s.cols[collection]

	// chromem rejects nResults larger than the number of matching
	// documents; shrink until the query fits.
	var hits []chromem.Result
	for k := req.K; k >= 1; k-- {
		var err error
		hits, err = col.QueryEmbedding(ctx, vec, k, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if k == 1 {
				return nil, nil
			}
			continue
		}
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "vector query failed"),
			errors.Fields{"collection": collection},
		)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		rec, err := s.getRecord(ctx, collection, hit.ID)
		if err != nil {
			// Index can briefly run ahead of a concurrent writer.
			logging.GetLogger().Warn(ctx, "query hit %s/%s missing from records: %v", collection, hit.ID, err)
			continue
		}
		results = append(results, Result{Record: rec, Similarity: hit.Similarity})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	return results, nil
}

// List scans a collection newest-first, optionally restricted to one
// category.
func (s *Store) List(ctx context.Context, collection string, opt ListOptions) ([]Record, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	query := "SELECT id, category, text, meta, payload, embedding, created_at, updated_at FROM records WHERE collection = ?"
	args := []interface{}{collection}
	if opt.Category != "" {
		query += " AND category = ?"
		args = append(args, opt.Category)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opt.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opt.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to list records")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "error iterating records")
	}
	return recs, nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection = ?", collection).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to count records")
	}
	return n, nil
}

// CategoryCounts returns how many records each category holds.
func (s *Store) CategoryCounts(ctx context.Context, collection string) (map[string]int, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT category, COUNT(*) FROM records WHERE collection = ? GROUP BY category", collection)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to aggregate categories")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan category count")
		}
		counts[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "error iterating category counts")
	}
	return counts, nil
}

func (s *Store) getRecord(ctx context.Context, collection, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, category, text, meta, payload, embedding, created_at, updated_at FROM records WHERE collection = ? AND id = ?",
		collection, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, errors.WithFields(
			errors.New(errors.ResourceNotFound, "record not found"),
			errors.Fields{"collection": collection, "id": id},
		)
	}
	return rec, err
}

// index upserts the record's document in the similarity index.
func (s *Store) index(ctx context.Context, collection string, rec Record) error {
	meta := map[string]string{"category": rec.Category}
	for k, v := range rec.Meta {
		meta[k] = v
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata:  meta,
	}
	if err := s.cols[collection].AddDocument(ctx, doc); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to index record"),
			errors.Fields{"collection": collection, "id": rec.ID},
		)
	}
	return nil
}

// reindex rebuilds the in-memory similarity index from the durable rows.
func (s *Store) reindex(ctx context.Context) error {
	for name := range knownCollections {
		recs, err := s.List(ctx, name, ListOptions{})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Embedding == nil {
				rec.Embedding, err = s.embedder.Embed(ctx, rec.Text)
				if err != nil {
					return errors.Wrap(err, errors.TransientExternal, "embedding failed during reindex")
				}
			}
			if err := s.index(ctx, name, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (Record, error) {
	var rec Record
	var meta, embedding, createdAt, updatedAt string
	var payload []byte
	if err := row.Scan(&rec.ID, &rec.Category, &rec.Text, &meta, &payload, &embedding, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, errors.Wrap(err, errors.Unknown, "failed to scan record")
	}
	rec.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
		return Record{}, errors.Wrap(err, errors.Unknown, "failed to decode record metadata")
	}
	if err := json.Unmarshal([]byte(embedding), &rec.Embedding); err != nil {
		return Record{}, errors.Wrap(err, errors.Unknown, "failed to decode record embedding")
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, errors.Wrap(err, errors.Unknown, "failed to parse created_at")
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Record{}, errors.Wrap(err, errors.Unknown, "failed to parse updated_at")
	}
	return rec, nil
}

func getRecordTx(tx *sql.Tx, collection, id string) (Record, error) {
	row := tx.QueryRow(
		"SELECT id, category, text, meta, payload, embedding, created_at, updated_at FROM records WHERE collection = ? AND id = ?",
		collection, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, errors.WithFields(
			errors.New(errors.ResourceNotFound, "record not found"),
			errors.Fields{"collection": collection, "id": id},
		)
	}
	return rec, err
}

func upsertRecordTx(tx *sql.Tx, collection string, rec Record) error {
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "failed to encode record metadata")
	}
	embedding, err := json.Marshal(rec.Embedding)
	if err != nil {
		return errors.Wrap(err, errors.InvalidInput, "failed to encode record embedding")
	}

	query := `
    INSERT INTO records (collection, id, category, text, meta, payload, embedding, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(collection, id) DO UPDATE SET
        category = excluded.category,
        text = excluded.text,
        meta = excluded.meta,
        payload = excluded.payload,
        embedding = excluded.embedding,
        updated_at = excluded.updated_at
    `
	_, err = tx.Exec(query, collection, rec.ID, rec.Category, rec.Text, string(meta), string(rec.Payload), string(embedding),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to upsert record"),
			errors.Fields{"collection": collection, "id": rec.ID},
		)
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logging.GetLogger().Error(context.Background(), "failed to rollback transaction: %v", err)
	}
}

func stampTimes(rec Record) Record {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec
}

func checkCollection(collection string) error {
	if !knownCollections[collection] {
		return errors.WithFields(
			errors.New(errors.ResourceNotFound, "unknown collection"),
			errors.Fields{"collection": collection},
		)
	}
	return nil
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

// keyedLocks stripes record keys over a fixed set of mutexes so the
// lock table stays bounded no matter how many records accumulate.
type keyedLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyedLocks) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.stripes))
}

func (k *keyedLocks) lock(key string) func() {
	m := &k.stripes[k.index(key)]
	m.Lock()
	return m.Unlock
}

// lock2 acquires the stripes of both keys in index order, taking a
// single lock when the keys collide, so holders of key pairs can never
// deadlock each other.
func (k *keyedLocks) lock2(a, b string) func() {
	i, j := k.index(a), k.index(b)
	if i == j {
		m := &k.stripes[i]
		m.Lock()
		return m.Unlock
	}
	if i > j {
		i, j = j, i
	}
	mi, mj := &k.stripes[i], &k.stripes[j]
	mi.Lock()
	mj.Lock()
	return func() {
		mj.Unlock()
		mi.Unlock()
	}
}
