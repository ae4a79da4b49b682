// Package media downloads and validates message attachments.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/tg"

	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/models"
	"github.com/grabfeed/grabfeed/internal/telegram"
)

// Downloader is the one client capability the fetcher needs.
type Downloader interface {
	DownloadToPath(ctx context.Context, loc tg.InputFileLocationClass, path string) error
}

// Artifact describes the media attached to a message.
// Path is empty when the download failed or was not applicable; the message
// is still ingested text-only with Kind recording the intended media class.
type Artifact struct {
	Kind models.MediaKind
	Path string
}

// Fetcher downloads message media into a local directory.
// Fetch never returns an error: media failure must not block text ingestion.
type Fetcher struct {
	dir string
	log *logger.Logger
}

// NewFetcher creates a media fetcher storing files under dir.
func NewFetcher(dir string) (*Fetcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Fetcher{dir: dir, log: logger.Get()}, nil
}

// Fetch classifies the message media and downloads it when a file location
// is available. A nil result means the message carries no recognized media.
func (f *Fetcher) Fetch(ctx context.Context, client Downloader, msg telegram.Message) *Artifact {
	if msg.Media == nil {
		return nil
	}

	kind, loc, ext := classify(msg.Media)
	if kind == "" {
		return nil
	}

	artifact := &Artifact{Kind: kind}
	if loc == nil {
		// webpage previews have nothing to download
		return artifact
	}

	path := filepath.Join(f.dir, uniqueName(msg.ID, ext))
	if err := client.DownloadToPath(ctx, loc, path); err != nil {
		f.log.Warn().Err(err).
			Int("message_id", msg.ID).
			Str("kind", string(kind)).
			Msg("media: download failed, ingesting text-only")
		_ = os.Remove(path)
		return artifact
	}

	if !validFile(path) {
		f.log.Warn().
			Int("message_id", msg.ID).
			Str("path", path).
			Msg("media: downloaded file missing or empty, discarding")
		_ = os.Remove(path)
		return artifact
	}

	artifact.Path = path
	return artifact
}

// classify maps provider media onto our closed kind set, with a download
// location and a normalized file extension where applicable.
func classify(media tg.MessageMediaClass) (models.MediaKind, tg.InputFileLocationClass, string) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return models.MediaPhoto, nil, ""
		}
		return models.MediaPhoto, &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestPhotoSize(photo.Sizes),
		}, ".jpg"

	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return models.MediaDocument, nil, ""
		}
		kind := models.MediaDocument
		ext := ""
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				kind = models.MediaVideo
			case *tg.DocumentAttributeAnimated:
				kind = models.MediaAnimation
			case *tg.DocumentAttributeFilename:
				ext = filepath.Ext(a.FileName)
			}
		}
		// declared content type wins over the original filename
		if mimeExt := extForMime(doc.MimeType); mimeExt != "" {
			ext = mimeExt
		}
		return kind, &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, ext

	case *tg.MessageMediaWebPage:
		return models.MediaWebpage, nil, ""
	}

	return "", nil, ""
}

// largestPhotoSize picks the thumb type with the biggest byte size.
func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	best := ""
	bestSize := -1
	for _, sc := range sizes {
		if s, ok := sc.(*tg.PhotoSize); ok && s.Size > bestSize {
			best = s.Type
			bestSize = s.Size
		}
	}
	if best == "" && len(sizes) > 0 {
		best = sizes[len(sizes)-1].GetType()
	}
	return best
}

func extForMime(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}

// uniqueName builds a collision-free filename: concurrent downloads across
// identities and channels may race on the same message id.
func uniqueName(msgID int, ext string) string {
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("msg%d_%d_%s%s", msgID, time.Now().UnixNano(), uuid.NewString()[:8], ext)
}

func validFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
