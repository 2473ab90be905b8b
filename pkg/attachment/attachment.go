// Package attachment persists inbound media payloads and determines their real content type.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"wechatslave/pkg/message"
	"wechatslave/pkg/storage"
	"wechatslave/pkg/wechat"
)

// ErrMaterialize marks a payload that could not be stored or identified.
var ErrMaterialize = errors.New("materialize attachment")

const fallbackExtension = ".bin"

// Materializer writes event payloads into a storage directory.
type Materializer struct {
	dir *storage.Dir
	log *slog.Logger
	now func() time.Time
}

// New returns a materializer writing into dir.
func New(dir *storage.Dir, log *slog.Logger) *Materializer {
	if log == nil {
		log = slog.Default()
	}
	return &Materializer{
		dir: dir,
		log: log.With("component", "attachment"),
		now: time.Now,
	}
}

// Materialize stores the payload of ev as {kind}_{msgid}_{unix}.{ext} and
// returns its final path with the sniffed MIME type. The declared extension is
// never trusted. Any failure removes the partial file.
func (m *Materializer) Materialize(ctx context.Context, ev wechat.Event, kind message.Kind) (message.Attachment, error) {
	if ev.Download == nil {
		return message.Attachment{}, fmt.Errorf("%w: event %s carries no payload", ErrMaterialize, ev.MsgID)
	}

	name := fmt.Sprintf("%s_%s_%s", kind, safeID(ev.MsgID), strconv.FormatInt(m.now().Unix(), 10))
	path, err := m.dir.Path(name)
	if err != nil {
		return message.Attachment{}, fmt.Errorf("%w: %v", ErrMaterialize, err)
	}

	if err := ev.Download(ctx, path); err != nil {
		_ = storage.Remove(path)
		return message.Attachment{}, fmt.Errorf("%w: download %s: %v", ErrMaterialize, name, err)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		_ = storage.Remove(path)
		return message.Attachment{}, fmt.Errorf("%w: sniff %s: %v", ErrMaterialize, name, err)
	}

	finalPath := path + extensionFor(detected)
	if err := m.dir.Rename(path, finalPath); err != nil {
		_ = storage.Remove(path)
		return message.Attachment{}, fmt.Errorf("%w: %v", ErrMaterialize, err)
	}

	mime := baseType(detected.String())
	m.log.Info("File saved from WeChat", "path", finalPath, "mime", mime)
	return message.Attachment{Path: finalPath, MIME: mime}, nil
}

// extensionFor maps a sniffed type to a file extension. JPEG always becomes .jpg.
func extensionFor(detected *mimetype.MIME) string {
	if detected.Is("image/jpeg") {
		return ".jpg"
	}
	if ext := detected.Extension(); ext != "" {
		return ext
	}
	return fallbackExtension
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

// safeID keeps network message ids usable as a file name component.
func safeID(id string) string {
	if id == "" {
		return "0"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
}
