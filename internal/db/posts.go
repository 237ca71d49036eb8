package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fruitsalade/replicasync/internal/metrics"
	"github.com/fruitsalade/replicasync/internal/warmer"
)

// ErrPostNotFound is returned when a post id does not exist.
var ErrPostNotFound = errors.New("post not found")

// Post is a stored post. ImagePath is an object key in the media bucket and
// may be empty.
type Post struct {
	ID          int64
	ImagePath   string
	ContentType string
	Caption     string
	CreatedAt   time.Time
}

// DirtyMarker is told about every committed mutation of the database file.
type DirtyMarker interface {
	MarkDirty(ctx context.Context)
}

// Posts is the post repository.
type Posts struct {
	db    *DB
	dirty DirtyMarker
	now   func() time.Time
}

// NewPosts creates a repository. dirty may be nil.
func NewPosts(d *DB, dirty DirtyMarker) *Posts {
	return &Posts{db: d, dirty: dirty, now: time.Now}
}

// Ping checks that the underlying database answers.
func (p *Posts) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// markDirty runs inside the unit of work so the marker can defer to commit.
func (p *Posts) markDirty(ctx context.Context) {
	if p.dirty != nil {
		p.dirty.MarkDirty(ctx)
	}
}

// Create inserts post and sets its ID and CreatedAt. It runs in the caller's
// unit of work, or its own when there is none.
func (p *Posts) Create(ctx context.Context, post *Post) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_post", time.Since(start)) }()

	return p.db.InTx(ctx, func(ctx context.Context) error {
		if post.CreatedAt.IsZero() {
			post.CreatedAt = p.now().UTC()
		}
		res, err := p.db.exec(ctx).ExecContext(ctx,
			`INSERT INTO posts (image_path, content_type, caption, created_at) VALUES (?, ?, ?, ?)`,
			post.ImagePath, post.ContentType, post.Caption, post.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert post id: %w", err)
		}
		post.ID = id
		p.markDirty(ctx)
		return nil
	})
}

// Delete removes a post by id.
func (p *Posts) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_post", time.Since(start)) }()

	return p.db.InTx(ctx, func(ctx context.Context) error {
		res, err := p.db.exec(ctx).ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete post: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete post: %w", err)
		}
		if n == 0 {
			return ErrPostNotFound
		}
		p.markDirty(ctx)
		return nil
	})
}

// Get returns a post by id.
func (p *Posts) Get(ctx context.Context, id int64) (*Post, error) {
	row := p.db.exec(ctx).QueryRowContext(ctx,
		`SELECT id, image_path, content_type, caption, created_at FROM posts WHERE id = ?`, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// List returns one page of posts, newest first. Pages start at zero.
func (p *Posts) List(ctx context.Context, page, size int) ([]Post, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_posts", time.Since(start)) }()

	if page < 0 || size <= 0 || page > math.MaxInt/size {
		return nil, fmt.Errorf("invalid page %d size %d", page, size)
	}

	rows, err := p.db.exec(ctx).QueryContext(ctx,
		`SELECT id, image_path, content_type, caption, created_at FROM posts
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		size, page*size)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// Count returns the number of posts.
func (p *Posts) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.exec(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// FetchPage feeds the URL cache warmer with image paths, newest first.
func (p *Posts) FetchPage(ctx context.Context, page, size int) ([]warmer.Record, error) {
	posts, err := p.List(ctx, page, size)
	if err != nil {
		return nil, err
	}
	recs := make([]warmer.Record, len(posts))
	for i, post := range posts {
		recs[i] = warmer.Record{ObjectPath: post.ImagePath}
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(s scanner) (*Post, error) {
	var (
		post    Post
		created int64
	)
	if err := s.Scan(&post.ID, &post.ImagePath, &post.ContentType, &post.Caption, &created); err != nil {
		return nil, err
	}
	post.CreatedAt = time.Unix(0, created).UTC()
	return &post, nil
}

var _ warmer.RecordSource = (*Posts)(nil)
