// Package api provides the HTTP server: health, admin snapshot controls, and
// the post endpoints that read and write the replicated database.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/db"
	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Snapshots runs operator-triggered snapshot transfers.
// *replica.Coordinator satisfies it.
type Snapshots interface {
	PublishNow(ctx context.Context) error
	RestoreNow(ctx context.Context) error
}

// URLResolver turns object paths into access URLs. *urlcache.Cache satisfies it.
type URLResolver interface {
	Resolve(ctx context.Context, objectPath string) (string, bool)
}

// ObjectWriter stores uploaded media. objstore.Store satisfies it.
type ObjectWriter interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Options configures a Server.
type Options struct {
	Bucket        string
	AdminToken    string // empty disables the admin bearer check
	MaxUploadSize int64
}

// Server is the HTTP server.
type Server struct {
	posts     *db.Posts
	snapshots Snapshots
	urls      URLResolver
	objects   ObjectWriter
	opts      Options
}

// NewServer creates a server. objects may be nil when no bucket is
// configured; image uploads are then rejected.
func NewServer(posts *db.Posts, snapshots Snapshots, urls URLResolver, objects ObjectWriter, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 10 * 1024 * 1024
	}
	return &Server{
		posts:     posts,
		snapshots: snapshots,
		urls:      urls,
		objects:   objects,
		opts:      opts,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/posts", s.handleListPosts)
	mux.HandleFunc("POST /api/v1/posts", s.handleCreatePost)
	mux.HandleFunc("GET /api/v1/posts/{id}", s.handleGetPost)
	mux.HandleFunc("DELETE /api/v1/posts/{id}", s.handleDeletePost)

	mux.Handle("POST /api/admin/backup-db", s.requireAdmin(http.HandlerFunc(s.handleBackup)))
	mux.Handle("POST /api/admin/revert-db", s.requireAdmin(http.HandlerFunc(s.handleRevert)))

	// metrics sits inside logging so it sees the request the mux annotates
	// with its route pattern.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.posts.Ping(ctx); err != nil {
		logging.WithContext(r.Context()).Warn("health check failed", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requireAdmin checks a static bearer token when one is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.opts.AdminToken == "" {
		return next
	}
	want := []byte(s.opts.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.sendError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.snapshots.PublishNow(r.Context()); err != nil {
		logging.WithContext(r.Context()).Error("manual backup failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Backup failed: "+err.Error())
		return
	}
	logging.WithContext(r.Context()).Info("manual backup completed")
	s.sendMessage(w, "DB backed up to bucket successfully.")
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	if err := s.snapshots.RestoreNow(r.Context()); err != nil {
		logging.WithContext(r.Context()).Error("manual revert failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Revert failed: "+err.Error())
		return
	}
	logging.WithContext(r.Context()).Info("manual revert completed, restart required")
	s.sendMessage(w, "DB reverted from bucket to local successfully. Restart the application to use the reverted data.")
}

// PostResponse is the wire form of a post. ImageURL is omitted when no URL
// could be produced.
type PostResponse struct {
	ID          int64     `json:"id"`
	Caption     string    `json:"caption"`
	ImagePath   string    `json:"image_path,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PostListResponse is one page of posts.
type PostListResponse struct {
	Posts []PostResponse `json:"posts"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Total int64          `json:"total"`
}

func (s *Server) toResponse(ctx context.Context, p *db.Post) PostResponse {
	resp := PostResponse{
		ID:          p.ID,
		Caption:     p.Caption,
		ImagePath:   p.ImagePath,
		ContentType: p.ContentType,
		CreatedAt:   p.CreatedAt,
	}
	if s.urls != nil && p.ImagePath != "" {
		if u, ok := s.urls.Resolve(ctx, p.ImagePath); ok {
			resp.ImageURL = u
		}
	}
	return resp
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil || page < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := queryInt(r, "size", defaultPageSize)
	if err != nil || size <= 0 {
		s.sendError(w, http.StatusBadRequest, "invalid size")
		return
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	if page > math.MaxInt/size {
		s.sendError(w, http.StatusBadRequest, "invalid page")
		return
	}

	posts, err := s.posts.List(r.Context(), page, size)
	if err != nil {
		logging.WithContext(r.Context()).Error("list posts failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	total, err := s.posts.Count(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("count posts failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}

	resp := PostListResponse{
		Posts: make([]PostResponse, 0, len(posts)),
		Page:  page,
		Size:  size,
		Total: total,
	}
	for i := range posts {
		resp.Posts = append(resp.Posts, s.toResponse(r.Context(), &posts[i]))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid post id")
		return
	}

	post, err := s.posts.Get(r.Context(), id)
	if errors.Is(err, db.ErrPostNotFound) {
		s.sendError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("get post failed", zap.Int64("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to load post")
		return
	}
	s.sendJSON(w, http.StatusOK, s.toResponse(r.Context(), post))
}

// handleCreatePost takes the raw image as the body and the caption from the
// query string. An empty body creates
// a text-only post.
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.opts.MaxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.opts.MaxUploadSize))
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxUploadSize+1))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read content")
		return
	}
	if int64(len(content)) > s.opts.MaxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.opts.MaxUploadSize))
		return
	}

	post := &db.Post{Caption: r.URL.Query().Get("caption")}

	if len(content) > 0 {
		if s.objects == nil || s.opts.Bucket == "" {
			s.sendError(w, http.StatusServiceUnavailable, "object storage not configured")
			return
		}
		contentType, ext, ok := imageType(r.Header.Get("Content-Type"), content)
		if !ok {
			s.sendError(w, http.StatusUnsupportedMediaType, "body must be an image")
			return
		}

		key := "images/" + uuid.NewString() + ext
		if err := s.objects.Put(r.Context(), s.opts.Bucket, key, content, contentType); err != nil {
			logging.WithContext(r.Context()).Error("image upload failed", zap.String("key", key), zap.Error(err))
			s.sendError(w, http.StatusBadGateway, "failed to store image")
			return
		}
		post.ImagePath = key
		post.ContentType = contentType
	} else if post.Caption == "" {
		s.sendError(w, http.StatusBadRequest, "image or caption required")
		return
	}

	if err := s.posts.Create(r.Context(), post); err != nil {
		logging.WithContext(r.Context()).Error("create post failed", zap.String("image", post.ImagePath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to create post")
		return
	}

	logging.WithContext(r.Context()).Info("post created", zap.Int64("id", post.ID), zap.String("image", post.ImagePath))
	s.sendJSON(w, http.StatusCreated, s.toResponse(r.Context(), post))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid post id")
		return
	}

	err = s.posts.Delete(r.Context(), id)
	if errors.Is(err, db.ErrPostNotFound) {
		s.sendError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("delete post failed", zap.Int64("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to delete post")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// imageType decides the stored media type and file extension. Recognizable
// content wins over the declared Content-Type; the header is only trusted for
// bytes the sniffer does not know.
func imageType(header string, content []byte) (contentType, ext string, ok bool) {
	if kind, _ := filetype.Match(content); kind != filetype.Unknown {
		if !filetype.IsImage(content) {
			return "", "", false
		}
		return kind.MIME.Value, "." + kind.Extension, true
	}

	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return "", "", false
	}
	switch mediaType {
	case "image/jpeg":
		return mediaType, ".jpg", true
	case "image/png":
		return mediaType, ".png", true
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return mediaType, exts[0], true
	}
	return mediaType, ".img", true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) sendMessage(w http.ResponseWriter, message string) {
	s.sendJSON(w, http.StatusOK, messageResponse{Message: message})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
