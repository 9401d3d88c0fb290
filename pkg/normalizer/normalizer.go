// Package normalizer implements the Message Normalizer (§4.C): resolves
// every blocking I/O a platform event requires — downloads, speech-to-text,
// MIME detection, file uploads, reply/forward/quote extraction — before the
// Batch Coordinator ever sees the message, so a ProcessedMessage is
// immediately actionable with no further I/O.
//
// Grounded on original_source/bot/telegram/pipeline/normalizer.py's
// per-media-kind dispatch (_process_voice/_process_video_note/_process_audio/
// _process_video/_process_photo/_process_document), adapted into Go
// interfaces so any platform/provider pair can be substituted, and on the
// teacher's downloadPhoto (pkg/channels/telegram/telegram_channel.go) for
// the download-then-detect idiom.
package normalizer

import (
	"context"
	"fmt"
	"genesis/pkg/coreerr"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MediaKind is the LLM-facing file category a file resolves to — distinct
// from RawKind, the platform's own media vocabulary, because a document's
// MediaKind is only known after MIME detection.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
	MediaImage MediaKind = "image"
	MediaPDF   MediaKind = "pdf"
	MediaDoc   MediaKind = "document"
)

// Transcript is a voice/video-note's speech-to-text result.
type Transcript struct {
	Text     string
	Seconds  float64
	Language string
	Cost     decimal.Decimal
}

// UploadedFile binds a downloaded file to its provider-assigned handle.
type UploadedFile struct {
	ProviderFileID string
	Filename       string
	MimeType       string
	SizeBytes      int
	Kind           MediaKind
}

// ReplyContext captures the first 200 characters of a reply target's body
// and its sender's display name.
type ReplyContext struct {
	Snippet       string
	SenderDisplay string
}

// ForwardContext captures a forwarded message's origin.
type ForwardContext struct {
	OriginKind string // user | chat | channel | hidden
	Display    string
}

// QuoteContext captures an explicit excerpt quote, orthogonal to Reply/Forward.
type QuoteContext struct {
	Text     string
	Position int
	IsManual bool
}

// ProcessedMessage is the Normalizer's output (§3 DATA MODEL) — immediately
// actionable by the Batch Coordinator with no further I/O.
type ProcessedMessage struct {
	ChatID        int64
	UserID        int64
	MessageID     int64
	TopicID       int64
	IsGroupChat   bool
	SenderDisplay string

	Text       string
	Transcript *Transcript
	Files      []UploadedFile

	Reply   *ReplyContext
	Forward *ForwardContext
	Quote   *QuoteContext
}

// RawKind is the platform's own media vocabulary for one inbound message.
type RawKind string

const (
	RawVoice     RawKind = "voice"
	RawVideoNote RawKind = "video_note"
	RawAudio     RawKind = "audio"
	RawVideo     RawKind = "video"
	RawPhoto     RawKind = "photo"
	RawDocument  RawKind = "document"
)

// MediaRef is a platform file reference awaiting download.
type MediaRef struct {
	Kind         RawKind
	FileID       string
	Filename     string
	DeclaredMIME string
	DurationSecs float64
}

// PlatformMessage is the minimal shape the Normalizer needs out of any
// inbound platform event — the Telegram channel adapts its own update type
// into this before calling Normalize.
type PlatformMessage struct {
	ChatID        int64
	UserID        int64
	MessageID     int64
	TopicID       int64
	IsGroupChat   bool
	SenderDisplay string
	Text          string

	Media *MediaRef

	Reply   *ReplyContext
	Forward *ForwardContext
	Quote   *QuoteContext
}

// Downloader fetches raw bytes for a platform file reference.
type Downloader interface {
	Download(ctx context.Context, fileID string) (data []byte, filename string, err error)
}

// Transcriber turns audio bytes into text with auto language detection.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audio []byte, filename string) (text string, seconds float64, language string, err error)
}

// Uploader pushes file bytes to the LLM provider's files API.
type Uploader interface {
	UploadFile(ctx context.Context, data []byte, filename, mimeType string) (providerFileID string, err error)
}

// BlobCache mirrors every download into a short-TTL store so later tool
// invocations (transcribe_audio, sandboxed execution) read from memory
// instead of re-downloading (§4.C caching side effect).
type BlobCache interface {
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

const blobTTL = 30 * time.Minute

// WhisperCostPerMinute approximates OpenAI's Whisper per-minute pricing;
// overridden by config in a real deployment.
var WhisperCostPerMinute = decimal.NewFromFloat(0.006)

type Normalizer struct {
	downloader  Downloader
	transcriber Transcriber
	uploader    Uploader
	cache       BlobCache
}

func New(downloader Downloader, transcriber Transcriber, uploader Uploader, cache BlobCache) *Normalizer {
	return &Normalizer{downloader: downloader, transcriber: transcriber, uploader: uploader, cache: cache}
}

// Normalize resolves every blocking I/O a platform message requires (§4.C).
// On any failure the platform event is rejected wholesale — no partial
// ProcessedMessage is ever returned.
func (n *Normalizer) Normalize(ctx context.Context, pm PlatformMessage) (ProcessedMessage, error) {
	if pm.SenderDisplay == "" && pm.UserID == 0 {
		return ProcessedMessage{}, coreerr.NewValidationError("normalize", "message has no sender")
	}

	out := ProcessedMessage{
		ChatID:        pm.ChatID,
		UserID:        pm.UserID,
		MessageID:     pm.MessageID,
		TopicID:       pm.TopicID,
		IsGroupChat:   pm.IsGroupChat,
		SenderDisplay: pm.SenderDisplay,
		Text:          pm.Text,
		Reply:         pm.Reply,
		Forward:       pm.Forward,
		Quote:         pm.Quote,
	}

	if pm.Media == nil {
		return out, nil
	}

	switch pm.Media.Kind {
	case RawVoice, RawVideoNote:
		transcript, err := n.processSpeech(ctx, *pm.Media)
		if err != nil {
			return ProcessedMessage{}, err
		}
		out.Transcript = transcript

	case RawAudio:
		file, err := n.processUpload(ctx, *pm.Media, MediaAudio)
		if err != nil {
			return ProcessedMessage{}, err
		}
		out.Files = append(out.Files, file)

	case RawVideo:
		file, err := n.processUpload(ctx, *pm.Media, MediaVideo)
		if err != nil {
			return ProcessedMessage{}, err
		}
		out.Files = append(out.Files, file)

	case RawPhoto:
		file, err := n.processUpload(ctx, *pm.Media, MediaImage)
		if err != nil {
			return ProcessedMessage{}, err
		}
		out.Files = append(out.Files, file)

	case RawDocument:
		file, err := n.processDocument(ctx, *pm.Media)
		if err != nil {
			return ProcessedMessage{}, err
		}
		out.Files = append(out.Files, file)

	default:
		return ProcessedMessage{}, coreerr.NewValidationError("normalize", fmt.Sprintf("unsupported media kind %q", pm.Media.Kind))
	}

	return out, nil
}

func (n *Normalizer) download(ctx context.Context, ref MediaRef) ([]byte, string, error) {
	data, filename, err := n.downloader.Download(ctx, ref.FileID)
	if err != nil {
		return nil, "", fmt.Errorf("normalizer: download failed for %s: %w", ref.FileID, err)
	}
	if filename == "" {
		filename = ref.Filename
	}
	if err := n.cache.Put(ctx, blobCacheKey(ref.FileID), data, blobTTL); err != nil {
		slog.WarnContext(ctx, "normalizer.cache_put_failed", "file_id", ref.FileID, "error", err)
	}
	return data, filename, nil
}

func blobCacheKey(fileID string) string {
	return "blob:" + fileID
}

// processSpeech handles voice/video_note: download, cache, transcribe.
func (n *Normalizer) processSpeech(ctx context.Context, ref MediaRef) (*Transcript, error) {
	data, filename, err := n.download(ctx, ref)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "normalizer.processing_speech", "file_id", ref.FileID, "duration", ref.DurationSecs)

	text, seconds, language, err := n.transcriber.TranscribeAudio(ctx, data, filename)
	if err != nil {
		return nil, fmt.Errorf("normalizer: transcription failed for %s: %w", ref.FileID, err)
	}
	if seconds == 0 {
		seconds = ref.DurationSecs
	}
	if language == "" {
		language = "auto"
	}

	cost := WhisperCostPerMinute.Mul(decimal.NewFromFloat(seconds / 60.0))

	slog.InfoContext(ctx, "normalizer.speech_transcribed", "file_id", ref.FileID, "transcript_length", len(text), "duration", seconds, "language", language)

	return &Transcript{Text: strings.TrimSpace(text), Seconds: seconds, Language: language, Cost: cost}, nil
}

// processUpload handles audio/video/photo: download, cache, MIME-aware
// upload to the LLM files API.
func (n *Normalizer) processUpload(ctx context.Context, ref MediaRef, kind MediaKind) (UploadedFile, error) {
	data, filename, err := n.download(ctx, ref)
	if err != nil {
		return UploadedFile{}, err
	}

	mimeType := ref.DeclaredMIME
	if mimeType == "" {
		mimeType = detectMIME(data, filename)
	}

	slog.InfoContext(ctx, "normalizer.processing_upload", "file_id", ref.FileID, "kind", kind, "filename", filename)

	providerFileID, err := n.uploader.UploadFile(ctx, data, filename, mimeType)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("normalizer: upload failed for %s: %w", ref.FileID, err)
	}

	slog.InfoContext(ctx, "normalizer.upload_complete", "file_id", ref.FileID, "provider_file_id", providerFileID, "size_bytes", len(data))

	return UploadedFile{
		ProviderFileID: providerFileID,
		Filename:       filename,
		MimeType:       mimeType,
		SizeBytes:      len(data),
		Kind:           kind,
	}, nil
}

// processDocument handles document: download, cache, MIME-detect to derive
// the actual kind (PDF/IMAGE/AUDIO/VIDEO/DOC), then upload.
func (n *Normalizer) processDocument(ctx context.Context, ref MediaRef) (UploadedFile, error) {
	data, filename, err := n.download(ctx, ref)
	if err != nil {
		return UploadedFile{}, err
	}

	mimeType := ref.DeclaredMIME
	if mimeType == "" {
		mimeType = detectMIME(data, filename)
	}
	kind := kindFromMIME(mimeType)

	providerFileID, err := n.uploader.UploadFile(ctx, data, filename, mimeType)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("normalizer: upload failed for %s: %w", ref.FileID, err)
	}

	return UploadedFile{
		ProviderFileID: providerFileID,
		Filename:       filename,
		MimeType:       mimeType,
		SizeBytes:      len(data),
		Kind:           kind,
	}, nil
}

// detectMIME sniffs content type from the first 512 bytes, falling back to
// the filename extension when the sniff is inconclusive.
func detectMIME(data []byte, filename string) string {
	n := len(data)
	if n > 512 {
		n = 512
	}
	mimeType := http.DetectContentType(data[:n])
	if mimeType != "application/octet-stream" {
		return mimeType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	}
	return mimeType
}

// kindFromMIME derives a document's true MediaKind from its sniffed type
// (§4.C "document" row: "MIME-detect → derived kind").
func kindFromMIME(mimeType string) MediaKind {
	switch {
	case mimeType == "application/pdf":
		return MediaPDF
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MediaAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	default:
		return MediaDoc
	}
}
