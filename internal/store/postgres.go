package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/logger"
)

// Postgres stores documents in a single jsonb table and publishes a
// change event per committed write on a Redis channel per collection.
// Watches re-run their query on every event, so watchers observe the
// same snapshot-per-change behavior as the in-memory store. Without a
// Redis client only the initial snapshot is delivered.
type Postgres struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	log   *logger.Logger
}

func NewPostgres(pool *pgxpool.Pool, redisClient *redis.Client, log *logger.Logger) *Postgres {
	return &Postgres{pool: pool, redis: redisClient, log: log}
}

func changeChannel(collection string) string {
	return "docs." + collection
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	row := p.pool.QueryRow(ctx, `
		SELECT data FROM documents
		WHERE collection = $1 AND doc_id = $2
	`, collection, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return Document{Collection: collection, ID: id, Data: data}, nil
}

func (p *Postgres) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if merge {
		_, err = p.pool.Exec(ctx, `
			INSERT INTO documents (collection, doc_id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (collection, doc_id)
			DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()
		`, collection, id, raw)
	} else {
		_, err = p.pool.Exec(ctx, `
			INSERT INTO documents (collection, doc_id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (collection, doc_id)
			DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		`, collection, id, raw)
	}
	if err != nil {
		return err
	}
	p.publish(ctx, collection, id)
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM documents WHERE collection = $1 AND doc_id = $2
	`, collection, id)
	if err != nil {
		return err
	}
	p.publish(ctx, collection, id)
	return nil
}

func (p *Postgres) Find(ctx context.Context, q Query) ([]Document, error) {
	sql, args := buildQuery(q)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		data := map[string]any{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", q.Collection, id, err)
		}
		docs = append(docs, Document{Collection: q.Collection, ID: id, Data: data})
	}
	return docs, rows.Err()
}

func (p *Postgres) Watch(ctx context.Context, q Query) (<-chan Event, UnsubscribeFunc, error) {
	out := make(chan Event)
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var pubsub *redis.PubSub
	if p.redis != nil {
		pubsub = p.redis.Subscribe(watchCtx, changeChannel(q.Collection))
	} else if p.log != nil {
		p.log.Warn("watch without redis delivers initial snapshot only", "collection", q.Collection)
	}

	go func() {
		defer close(out)

		emit := func() {
			docs, err := p.Find(watchCtx, q)
			ev := Event{Docs: docs, Err: err}
			select {
			case out <- ev:
			case <-watchCtx.Done():
			}
		}

		emit()
		if pubsub == nil {
			<-watchCtx.Done()
			return
		}
		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				emit()
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		if pubsub != nil {
			_ = pubsub.Close()
		}
	}
	return out, unsubscribe, nil
}

func (p *Postgres) Batch(ctx context.Context, ops []Op) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := applyOpTx(ctx, tx, op); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	touched := map[string]struct{}{}
	for _, op := range ops {
		if _, seen := touched[op.Collection]; seen {
			continue
		}
		touched[op.Collection] = struct{}{}
		p.publish(ctx, op.Collection, op.ID)
	}
	return nil
}

func applyOpTx(ctx context.Context, tx pgx.Tx, op Op) error {
	if op.Delete {
		_, err := tx.Exec(ctx, `
			DELETE FROM documents WHERE collection = $1 AND doc_id = $2
		`, op.Collection, op.ID)
		return err
	}
	raw, err := json.Marshal(op.Data)
	if err != nil {
		return err
	}
	if op.Merge {
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (collection, doc_id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (collection, doc_id)
			DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()
		`, op.Collection, op.ID, raw)
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, doc_id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, op.Collection, op.ID, raw)
	return err
}

func (p *Postgres) publish(ctx context.Context, collection, id string) {
	if p.redis == nil {
		return
	}
	if err := p.redis.Publish(ctx, changeChannel(collection), id).Err(); err != nil && p.log != nil {
		p.log.Error("publish change event", "collection", collection, "error", err)
	}
}

func buildQuery(q Query) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT doc_id, data FROM documents WHERE collection = $1`)
	args := []any{q.Collection}

	if q.DocID != "" {
		args = append(args, q.DocID)
		fmt.Fprintf(&sb, ` AND doc_id = $%d`, len(args))
	}
	for _, f := range q.Filters {
		path := fieldPath(f.Field)
		switch f.Op {
		case OpEqual:
			args = append(args, path)
			pathArg := len(args)
			args = append(args, fmt.Sprint(f.Value))
			fmt.Fprintf(&sb, ` AND data #>> $%d::text[] = $%d`, pathArg, len(args))
		case OpArrayContains:
			args = append(args, path)
			pathArg := len(args)
			args = append(args, fmt.Sprint(f.Value))
			fmt.Fprintf(&sb, ` AND jsonb_exists(data #> $%d::text[], $%d)`, pathArg, len(args))
		case OpArrayContainsAny:
			values, _ := f.Value.([]string)
			args = append(args, path)
			pathArg := len(args)
			args = append(args, values)
			fmt.Fprintf(&sb, ` AND jsonb_exists_any(data #> $%d::text[], $%d::text[])`, pathArg, len(args))
		}
	}
	if q.OrderBy != "" {
		direction := "ASC"
		if q.Desc {
			direction = "DESC"
		}
		// Inline -> / ->> chain rather than a #>> parameter: the
		// expression indexes on the documents table only match the
		// operator form.
		fmt.Fprintf(&sb, ` ORDER BY %s %s`, orderExpr(q.OrderBy), direction)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	return sb.String(), args
}

func fieldPath(field string) []string {
	return strings.Split(field, ".")
}

// orderExpr renders a dotted field path as a -> / ->> operator chain.
// Order fields are code-level constants, but single quotes are doubled
// anyway.
func orderExpr(field string) string {
	parts := strings.Split(field, ".")
	var sb strings.Builder
	sb.WriteString("data")
	for i, part := range parts {
		op := "->"
		if i == len(parts)-1 {
			op = "->>"
		}
		fmt.Fprintf(&sb, " %s '%s'", op, strings.ReplaceAll(part, "'", "''"))
	}
	return sb.String()
}
