// Package output hands fetched documents to the downstream index target: the
// raw bytes go to a blob store and a change notification goes to a topic.
package output

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/hash/sha256"
)

const (
	opIngest = "ingest"
	opRemove = "remove"

	defaultContentType = "application/octet-stream"
)

// Config controls blob layout and notification routing.
type Config struct {
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
	// Topic receives change notifications. Empty disables publishing.
	Topic string `mapstructure:"topic"`
	// ContentType is used when a document reports no MIME type.
	ContentType string `mapstructure:"content_type"`
}

// Notification is the message published for every ingest and removal.
type Notification struct {
	Op            string            `json:"op"`
	ConnectionID  string            `json:"connection_id"`
	DocumentID    string            `json:"document_id"`
	Version       string            `json:"version,omitempty"`
	URI           string            `json:"uri,omitempty"`
	BlobURI       string            `json:"blob_uri,omitempty"`
	MimeType      string            `json:"mime_type,omitempty"`
	Bytes         int64             `json:"bytes,omitempty"`
	ContentSHA256 string            `json:"content_sha256,omitempty"`
	Modified      string            `json:"modified,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

// Attributes returns the fields subscribers filter on without decoding the
// body.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"op":            n.Op,
		"connection_id": n.ConnectionID,
	}
}

// Ingester implements crawler.Ingester over a BlobStore and a Publisher.
type Ingester struct {
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Ingester. publisher may be nil.
func New(
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	return &Ingester{
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ingest stores the document body and announces it. It returns the number of
// bytes written.
func (i *Ingester) Ingest(ctx context.Context, connectionID string, doc crawler.Document) (int64, error) {
	objectPath, err := i.objectPath(connectionID, doc.ID)
	if err != nil {
		return 0, err
	}

	var body io.Reader = strings.NewReader("")
	if doc.Content != nil {
		body = doc.Content
	}
	digest := sha256.NewDigestReader(body)

	contentType := doc.MimeType
	if contentType == "" {
		contentType = i.cfg.ContentType
	}
	uri, err := i.blobs.PutObject(ctx, objectPath, contentType, digest)
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	written := digest.BytesRead()

	note := i.notification(opIngest, connectionID, doc.ID)
	note.Version = string(doc.Version)
	note.URI = doc.URI
	note.BlobURI = uri
	note.MimeType = contentType
	note.Bytes = written
	note.ContentSHA256 = digest.Sum()
	if !doc.Modified.IsZero() {
		note.Modified = doc.Modified.UTC().Format(time.RFC3339)
	}
	note.Metadata = flatten(doc.Metadata)
	if err := i.publish(ctx, note); err != nil {
		return written, err
	}

	i.logger.Debug("document ingested",
		zap.String("connection_id", connectionID),
		zap.String("doc_id", string(doc.ID)),
		zap.String("blob_uri", uri),
		zap.Int64("bytes", written),
	)
	return written, nil
}

// Remove deletes the stored body and announces the removal. Removing a
// document that was never ingested succeeds.
func (i *Ingester) Remove(ctx context.Context, connectionID string, id crawler.DocumentIdentifier) error {
	objectPath, err := i.objectPath(connectionID, id)
	if err != nil {
		return err
	}
	if err := i.blobs.DeleteObject(ctx, objectPath); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if err := i.publish(ctx, i.notification(opRemove, connectionID, id)); err != nil {
		return err
	}
	i.logger.Debug("document removed",
		zap.String("connection_id", connectionID),
		zap.String("doc_id", string(id)),
	)
	return nil
}

// ObjectPath exposes the blob location used for a document.
func (i *Ingester) ObjectPath(connectionID string, id crawler.DocumentIdentifier) (string, error) {
	return i.objectPath(connectionID, id)
}

func (i *Ingester) objectPath(connectionID string, id crawler.DocumentIdentifier) (string, error) {
	if connectionID == "" {
		return "", fmt.Errorf("connection id is required")
	}
	if id == "" {
		return "", fmt.Errorf("document id is required")
	}
	sum, err := i.hasher.Hash([]byte(id))
	if err != nil {
		return "", fmt.Errorf("hash document id: %w", err)
	}
	return path.Join(i.cfg.Prefix, connectionID, sum), nil
}

func (i *Ingester) notification(op, connectionID string, id crawler.DocumentIdentifier) Notification {
	return Notification{
		Op:           op,
		ConnectionID: connectionID,
		DocumentID:   string(id),
		Timestamp:    i.clock.Now().UTC().Format(time.RFC3339),
	}
}

func (i *Ingester) publish(ctx context.Context, note Notification) error {
	if i.cfg.Topic == "" || i.publisher == nil {
		return nil
	}
	if _, err := i.publisher.Publish(ctx, i.cfg.Topic, note); err != nil {
		return fmt.Errorf("publish %s notification: %w", note.Op, err)
	}
	return nil
}

func flatten(md map[string][]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = strings.Join(v, ",")
	}
	return out
}
