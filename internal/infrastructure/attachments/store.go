package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

const defaultName = "attachment"

var (
	ErrAttachmentDecode = errors.New("attachment: decode failed")
	ErrNotDataURI       = errors.New("attachment: url is not a data uri")
	ErrTooLarge         = errors.New("attachment: payload too large")
)

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Mirror copies decoded attachments to durable object storage.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Store writes decoded attachments under dir/<scope>/<name>.
type Store struct {
	dir      string
	maxBytes int
	mirror   Mirror
	logger   *logger.Logger
}

type StoreConfig struct {
	Dir      string
	MaxBytes int
	Mirror   Mirror
	Logger   *logger.Logger
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		mirror:   cfg.Mirror,
		logger:   cfg.Logger,
	}
}

var _ ports.AttachmentStore = (*Store)(nil)

// Decode never aborts on a bad attachment; each failure is logged, returned
// and skipped.
func (s *Store) Decode(ctx context.Context, scope string, inputs []domain.AttachmentInput) ([]domain.Attachment, []error) {
	var (
		saved []domain.Attachment
		errs  []error
	)
	for _, in := range inputs {
		att, err := s.decodeOne(ctx, scope, in)
		if err != nil {
			s.logger.Warnw("attachment_decode_failed", "name", in.Name, "scope", scope, "error", err)
			errs = append(errs, err)
			continue
		}
		saved = append(saved, att)
	}
	return saved, errs
}

func (s *Store) decodeOne(ctx context.Context, scope string, in domain.AttachmentInput) (domain.Attachment, error) {
	name := in.Name
	if strings.TrimSpace(name) == "" {
		name = defaultName
	}

	mime, data, err := ParseDataURI(in.URL)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("%w: %s: %v", ErrAttachmentDecode, name, err)
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: %s: %w (%d bytes)", ErrAttachmentDecode, name, ErrTooLarge, len(data))
	}
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}

	fileName := SanitizeFileName(name)
	dir := filepath.Join(s.dir, SanitizeScope(scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Attachment{}, fmt.Errorf("%w: %s: %v", ErrAttachmentDecode, name, err)
	}
	target := filepath.Join(dir, fileName)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return domain.Attachment{}, fmt.Errorf("%w: %s: %v", ErrAttachmentDecode, name, err)
	}

	att := domain.Attachment{
		Name: name,
		Path: target,
		MIME: mime,
		Size: len(data),
	}

	if s.mirror != nil {
		key := path.Join(SanitizeScope(scope), fileName)
		if err := s.mirror.Put(ctx, key, data, mime); err != nil {
			// the on-disk copy is what the pipeline uses
			s.logger.Warnw("attachment_mirror_failed", "name", name, "key", key, "error", err)
		} else {
			att.ObjectKey = key
		}
	}

	s.logger.Infow("attachment_saved", "name", name, "path", target, "mime", mime, "size", att.Size)
	return att, nil
}

// ParseDataURI splits data:<mime>;base64,<payload> into its MIME type and
// decoded bytes. Only base64 payloads are accepted.
func ParseDataURI(uri string) (string, []byte, error) {
	if !strings.HasPrefix(uri, "data:") {
		return "", nil, ErrNotDataURI
	}
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return "", nil, errors.New("missing payload separator")
	}

	params := strings.Split(strings.TrimPrefix(header, "data:"), ";")
	mime := strings.TrimSpace(params[0])
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return "", nil, errors.New("payload is not base64 encoded")
	}

	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, fmt.Errorf("invalid base64: %w", err)
		}
	}
	return mime, data, nil
}

// SanitizeFileName strips directories and anything that is not safe in a file name.
func SanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	base = nameSanitizer.ReplaceAllString(base, "_")
	base = strings.Trim(base, ".")
	if base == "" {
		return defaultName
	}
	return base
}

// SanitizeScope turns a scope such as "demo1/round2" into a safe relative path.
func SanitizeScope(scope string) string {
	var parts []string
	for _, p := range strings.Split(scope, "/") {
		p = strings.Trim(nameSanitizer.ReplaceAllString(p, "_"), ".")
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "default"
	}
	return strings.Join(parts, "/")
}

// Summary renders the attachment list the way prompts and READMEs show it.
func Summary(atts []domain.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(atts))
	for _, a := range atts {
		lines = append(lines, fmt.Sprintf("  - %s (%s, %d bytes)", a.Name, a.MIME, a.Size))
	}
	return strings.Join(lines, "\n")
}
