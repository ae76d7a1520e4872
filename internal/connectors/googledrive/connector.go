// Package googledrive connects the crawl core to Google Drive. Identifiers
// are Drive file IDs; folders are containers and Google-native documents are
// exported rather than downloaded.
package googledrive

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawlcore/internal/bounded"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/policy/ratelimit"
)

// Credential keys.
const (
	CredentialClientID     = "client_id"
	CredentialClientSecret = "client_secret"
	CredentialRefreshToken = "refresh_token"
)

// Bin is the throttling bin shared by every Drive request.
const Bin = "drive.google.com"

const (
	mimeFolder       = "application/vnd.google-apps.folder"
	mimeNativePrefix = "application/vnd.google-apps."

	versionFields = "id, mimeType, modifiedTime, trashed"
	fetchFields   = "id, name, mimeType, modifiedTime, size, webViewLink, trashed"
	listFields    = "nextPageToken, files(id)"

	defaultExportMimeType = "application/pdf"
	defaultPageSize       = 100
)

// Config tunes the connector. HTTPClient and Endpoint replace the OAuth2
// transport and the public API root; both are meant for tests and proxies.
type Config struct {
	ExportMimeType string           `mapstructure:"export_mime_type"`
	PageSize       int64            `mapstructure:"page_size"`
	RateLimit      ratelimit.Config `mapstructure:"rate_limit"`
	Endpoint       string           `mapstructure:"endpoint"`
	HTTPClient     *http.Client     `mapstructure:"-"`
}

// Session is a live Drive service bound to one set of credentials.
type Session struct {
	svc *drive.Service
}

// Connector implements crawler.Connector[*Session].
type Connector struct {
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New returns a Drive Connector.
func New(cfg Config, logger *zap.Logger) *Connector {
	if cfg.ExportMimeType == "" {
		cfg.ExportMimeType = defaultExportMimeType
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, limiter: ratelimit.New(cfg.RateLimit), logger: logger}
}

// RequiredCredentials implements crawler.Connector.
func (*Connector) RequiredCredentials() []string {
	return []string{CredentialClientID, CredentialClientSecret, CredentialRefreshToken}
}

// CreateSession builds a Drive service from an OAuth2 refresh token.
func (c *Connector) CreateSession(ctx context.Context, creds crawler.Credentials) (*Session, error) {
	opts := make([]option.ClientOption, 0, 2)
	if c.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.cfg.HTTPClient))
	} else {
		conf := &oauth2.Config{
			ClientID:     creds[CredentialClientID],
			ClientSecret: creds[CredentialClientSecret],
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveReadonlyScope},
		}
		// The token source outlives ctx, which only bounds session creation.
		ts := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: creds[CredentialRefreshToken]})
		opts = append(opts, option.WithTokenSource(ts))
	}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, bounded.Permanent(fmt.Errorf("create drive service: %w", err))
	}
	return &Session{svc: svc}, nil
}

// CheckLive fetches the authenticated user.
func (c *Connector) CheckLive(ctx context.Context, s *Session) error {
	if err := c.limiter.Wait(ctx, Bin); err != nil {
		return err
	}
	if _, err := s.svc.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return fmt.Errorf("drive about: %w", annotate(err))
	}
	return nil
}

// DestroySession drops the service. Drive holds no server-side session.
func (*Connector) DestroySession(context.Context, *Session) error {
	return nil
}

// ListSeeds lists files matching query whose modification time falls in the
// window. An empty query matches every non-trashed file.
func (c *Connector) ListSeeds(ctx context.Context, s *Session, query string, window crawler.TimeWindow) ([]crawler.DocumentIdentifier, error) {
	clauses := []string{"trashed = false"}
	if q := strings.TrimSpace(query); q != "" {
		clauses = append(clauses, "("+q+")")
	}
	if !window.Start.IsZero() {
		clauses = append(clauses, fmt.Sprintf("modifiedTime >= '%s'", window.Start.UTC().Format(time.RFC3339Nano)))
	}
	if !window.End.IsZero() {
		clauses = append(clauses, fmt.Sprintf("modifiedTime < '%s'", window.End.UTC().Format(time.RFC3339Nano)))
	}
	return c.list(ctx, s, strings.Join(clauses, " and "))
}

// GetVersion reports the modification time. Trashed or missing files are Absent.
func (c *Connector) GetVersion(ctx context.Context, s *Session, id crawler.DocumentIdentifier) (crawler.VersionInfo, error) {
	if err := c.limiter.Wait(ctx, Bin); err != nil {
		return crawler.VersionInfo{}, err
	}
	f, err := s.svc.Files.Get(string(id)).
		Fields(versionFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if IsNotFound(err) {
		return crawler.Absent(), nil
	}
	if err != nil {
		return crawler.VersionInfo{}, fmt.Errorf("drive get %s: %w", id, annotate(err))
	}
	if f.Trashed {
		return crawler.Absent(), nil
	}
	return crawler.VersionInfo{
		Version:   crawler.DocumentVersion(f.ModifiedTime),
		Container: f.MimeType == mimeFolder,
	}, nil
}

// Fetch downloads binary content or exports Google-native documents.
func (c *Connector) Fetch(ctx context.Context, s *Session, id crawler.DocumentIdentifier) (crawler.Document, error) {
	if err := c.limiter.Wait(ctx, Bin); err != nil {
		return crawler.Document{}, err
	}
	f, err := s.svc.Files.Get(string(id)).
		Fields(fetchFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return crawler.Document{}, fmt.Errorf("drive get %s: %w", id, annotate(err))
	}
	if f.MimeType == mimeFolder {
		return crawler.Document{}, bounded.Permanent(fmt.Errorf("fetch %s: is a folder", id))
	}

	if err := c.limiter.Wait(ctx, Bin); err != nil {
		return crawler.Document{}, err
	}
	mimeType := f.MimeType
	var resp *http.Response
	if strings.HasPrefix(f.MimeType, mimeNativePrefix) {
		mimeType = c.cfg.ExportMimeType
		resp, err = s.svc.Files.Export(string(id), mimeType).Context(ctx).Download()
	} else {
		resp, err = s.svc.Files.Get(string(id)).SupportsAllDrives(true).Context(ctx).Download()
	}
	if err != nil {
		return crawler.Document{}, fmt.Errorf("drive download %s: %w", id, annotate(err))
	}

	length := resp.ContentLength
	if length < 0 {
		length = f.Size
	}
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	c.logger.Debug("drive document opened",
		zap.String("id", string(id)),
		zap.String("mime_type", mimeType),
		zap.Int64("length", length),
	)
	return crawler.Document{
		ID:       id,
		Version:  crawler.DocumentVersion(f.ModifiedTime),
		URI:      f.WebViewLink,
		MimeType: mimeType,
		Length:   length,
		Modified: modified.UTC(),
		Metadata: map[string][]string{"name": {f.Name}, "source_mime_type": {f.MimeType}},
		Content:  resp.Body,
	}, nil
}

// ListChildren lists the non-trashed children of a folder.
func (c *Connector) ListChildren(ctx context.Context, s *Session, id crawler.DocumentIdentifier) ([]crawler.DocumentIdentifier, error) {
	return c.list(ctx, s, fmt.Sprintf("'%s' in parents and trashed = false", escape(string(id))))
}

// ResolveBins implements crawler.Connector.
func (*Connector) ResolveBins(crawler.DocumentIdentifier) []string {
	return []string{Bin}
}

func (c *Connector) list(ctx context.Context, s *Session, q string) ([]crawler.DocumentIdentifier, error) {
	var out []crawler.DocumentIdentifier
	token := ""
	for {
		if err := c.limiter.Wait(ctx, Bin); err != nil {
			return nil, err
		}
		call := s.svc.Files.List().
			Q(q).
			Fields(listFields).
			PageSize(c.cfg.PageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true)
		if token != "" {
			call = call.PageToken(token)
		}
		page, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("drive list: %w", annotate(err))
		}
		for _, f := range page.Files {
			out = append(out, crawler.DocumentIdentifier(f.Id))
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

func escape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}
