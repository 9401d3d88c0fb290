package normalizer

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDownloader struct {
	data     []byte
	filename string
	err      error
	calls    []string
}

func (f *fakeDownloader) Download(ctx context.Context, fileID string) ([]byte, string, error) {
	f.calls = append(f.calls, fileID)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.filename, nil
}

type fakeTranscriber struct {
	text     string
	seconds  float64
	language string
	err      error
}

func (f *fakeTranscriber) TranscribeAudio(ctx context.Context, audio []byte, filename string) (string, float64, string, error) {
	if f.err != nil {
		return "", 0, "", f.err
	}
	return f.text, f.seconds, f.language, nil
}

type fakeUploader struct {
	providerFileID string
	err            error
	lastMimeType   string
}

func (f *fakeUploader) UploadFile(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	f.lastMimeType = mimeType
	if f.err != nil {
		return "", f.err
	}
	return f.providerFileID, nil
}

type fakeCache struct {
	puts map[string][]byte
	err  error
}

func newFakeCache() *fakeCache { return &fakeCache{puts: make(map[string][]byte)} }

func (f *fakeCache) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.puts[key] = data
	return nil
}

func TestNormalizePlainTextPassesThrough(t *testing.T) {
	n := New(&fakeDownloader{}, &fakeTranscriber{}, &fakeUploader{}, newFakeCache())
	pm := PlatformMessage{ChatID: 1, UserID: 2, SenderDisplay: "alice", Text: "hello there"}

	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "hello there" {
		t.Fatalf("text = %q", out.Text)
	}
	if out.Transcript != nil || len(out.Files) != 0 {
		t.Fatalf("expected no media, got transcript=%v files=%v", out.Transcript, out.Files)
	}
}

func TestNormalizeRejectsMessageWithNoSender(t *testing.T) {
	n := New(&fakeDownloader{}, &fakeTranscriber{}, &fakeUploader{}, newFakeCache())
	_, err := n.Normalize(context.Background(), PlatformMessage{ChatID: 1})
	if err == nil {
		t.Fatal("expected error for senderless message")
	}
}

func TestNormalizeVoiceTranscribesAndCachesBlob(t *testing.T) {
	dl := &fakeDownloader{data: []byte("ogg-bytes"), filename: "voice.ogg"}
	tr := &fakeTranscriber{text: "  hello world  ", seconds: 12, language: "en"}
	cache := newFakeCache()
	n := New(dl, tr, &fakeUploader{}, cache)

	pm := PlatformMessage{
		ChatID: 1, UserID: 2, SenderDisplay: "alice",
		Media: &MediaRef{Kind: RawVoice, FileID: "file123", DurationSecs: 10},
	}

	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Transcript == nil {
		t.Fatal("expected transcript")
	}
	if out.Transcript.Text != "hello world" {
		t.Fatalf("text = %q", out.Transcript.Text)
	}
	if out.Transcript.Seconds != 12 {
		t.Fatalf("seconds = %v", out.Transcript.Seconds)
	}
	if out.Transcript.Language != "en" {
		t.Fatalf("language = %q", out.Transcript.Language)
	}
	if out.Transcript.Cost.IsZero() {
		t.Fatal("expected nonzero cost")
	}
	if _, ok := cache.puts["blob:file123"]; !ok {
		t.Fatal("expected blob cached under file id")
	}
}

func TestNormalizeVideoNoteFallsBackToDeclaredDuration(t *testing.T) {
	dl := &fakeDownloader{data: []byte("x"), filename: "note.mp4"}
	tr := &fakeTranscriber{text: "hi", seconds: 0, language: ""}
	n := New(dl, tr, &fakeUploader{}, newFakeCache())

	pm := PlatformMessage{
		UserID: 1,
		Media:  &MediaRef{Kind: RawVideoNote, FileID: "vn1", DurationSecs: 7},
	}

	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Transcript.Seconds != 7 {
		t.Fatalf("expected fallback duration 7, got %v", out.Transcript.Seconds)
	}
	if out.Transcript.Language != "auto" {
		t.Fatalf("expected auto language fallback, got %q", out.Transcript.Language)
	}
}

func TestNormalizeDownloadFailureRejectsWholesale(t *testing.T) {
	dl := &fakeDownloader{err: errors.New("network down")}
	n := New(dl, &fakeTranscriber{}, &fakeUploader{}, newFakeCache())

	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawAudio, FileID: "a1"}}
	out, err := n.Normalize(context.Background(), pm)
	if err == nil {
		t.Fatal("expected download error")
	}
	if out.ChatID != 0 || len(out.Files) != 0 {
		t.Fatal("expected zero-value ProcessedMessage on failure")
	}
}

func TestNormalizeTranscriptionFailureRejectsWholesale(t *testing.T) {
	dl := &fakeDownloader{data: []byte("x"), filename: "v.ogg"}
	tr := &fakeTranscriber{err: errors.New("whisper unavailable")}
	n := New(dl, tr, &fakeUploader{}, newFakeCache())

	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawVoice, FileID: "v1"}}
	_, err := n.Normalize(context.Background(), pm)
	if err == nil {
		t.Fatal("expected transcription error")
	}
}

func TestNormalizeAudioUploadsWithDetectedMimeType(t *testing.T) {
	mp3Header := []byte{0xFF, 0xFB, 0x90, 0x00}
	dl := &fakeDownloader{data: mp3Header, filename: "song.mp3"}
	up := &fakeUploader{providerFileID: "file-abc"}
	n := New(dl, &fakeTranscriber{}, up, newFakeCache())

	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawAudio, FileID: "a1", Filename: "song.mp3"}}
	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Files) != 1 {
		t.Fatalf("expected one file, got %d", len(out.Files))
	}
	f := out.Files[0]
	if f.Kind != MediaAudio {
		t.Fatalf("kind = %v", f.Kind)
	}
	if f.ProviderFileID != "file-abc" {
		t.Fatalf("provider file id = %q", f.ProviderFileID)
	}
}

func TestNormalizeUploadFailureRejectsWholesale(t *testing.T) {
	dl := &fakeDownloader{data: []byte("x"), filename: "p.jpg"}
	up := &fakeUploader{err: errors.New("quota exceeded")}
	n := New(dl, &fakeTranscriber{}, up, newFakeCache())

	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawPhoto, FileID: "p1"}}
	_, err := n.Normalize(context.Background(), pm)
	if err == nil {
		t.Fatal("expected upload error")
	}
}

func TestNormalizeDocumentDerivesKindFromDetectedMime(t *testing.T) {
	pdfHeader := []byte("%PDF-1.4 rest of doc")
	dl := &fakeDownloader{data: pdfHeader, filename: "report.pdf"}
	up := &fakeUploader{providerFileID: "file-doc"}
	n := New(dl, &fakeTranscriber{}, up, newFakeCache())

	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawDocument, FileID: "d1", Filename: "report.pdf"}}
	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Files[0].Kind != MediaPDF {
		t.Fatalf("kind = %v, want pdf", out.Files[0].Kind)
	}
	if up.lastMimeType != "application/pdf" {
		t.Fatalf("mime type = %q", up.lastMimeType)
	}
}

func TestNormalizeDocumentUsesDeclaredMimeWhenPresent(t *testing.T) {
	dl := &fakeDownloader{data: []byte("irrelevant"), filename: "photo.bin"}
	up := &fakeUploader{providerFileID: "file-x"}
	n := New(dl, &fakeTranscriber{}, up, newFakeCache())

	pm := PlatformMessage{
		UserID: 1,
		Media:  &MediaRef{Kind: RawDocument, FileID: "d2", Filename: "photo.bin", DeclaredMIME: "image/png"},
	}
	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Files[0].Kind != MediaImage {
		t.Fatalf("kind = %v, want image", out.Files[0].Kind)
	}
}

func TestNormalizePreservesReplyForwardQuoteOrthogonally(t *testing.T) {
	n := New(&fakeDownloader{}, &fakeTranscriber{}, &fakeUploader{}, newFakeCache())
	pm := PlatformMessage{
		UserID: 1, Text: "re: that thing",
		Reply:   &ReplyContext{Snippet: "original message", SenderDisplay: "bob"},
		Forward: &ForwardContext{OriginKind: "channel", Display: "News Channel"},
		Quote:   &QuoteContext{Text: "exact excerpt", Position: 4, IsManual: true},
	}

	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Reply == nil || out.Reply.SenderDisplay != "bob" {
		t.Fatalf("reply context not preserved: %+v", out.Reply)
	}
	if out.Forward == nil || out.Forward.OriginKind != "channel" {
		t.Fatalf("forward context not preserved: %+v", out.Forward)
	}
	if out.Quote == nil || !out.Quote.IsManual {
		t.Fatalf("quote context not preserved: %+v", out.Quote)
	}
}

func TestNormalizeUnsupportedMediaKindRejected(t *testing.T) {
	n := New(&fakeDownloader{}, &fakeTranscriber{}, &fakeUploader{}, newFakeCache())
	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawKind("sticker"), FileID: "s1"}}
	_, err := n.Normalize(context.Background(), pm)
	if err == nil {
		t.Fatal("expected error for unsupported media kind")
	}
}

func TestNormalizeCacheFailureDoesNotFailTheMessage(t *testing.T) {
	dl := &fakeDownloader{data: []byte("hi"), filename: "a.ogg"}
	tr := &fakeTranscriber{text: "hi", seconds: 1, language: "en"}
	cache := newFakeCache()
	cache.err = errors.New("redis down")
	n := New(dl, tr, &fakeUploader{}, cache)

	pm := PlatformMessage{UserID: 1, Media: &MediaRef{Kind: RawVoice, FileID: "v1"}}
	out, err := n.Normalize(context.Background(), pm)
	if err != nil {
		t.Fatalf("cache failure should not fail normalization: %v", err)
	}
	if out.Transcript == nil {
		t.Fatal("expected transcript despite cache failure")
	}
}
