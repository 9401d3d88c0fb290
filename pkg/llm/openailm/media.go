package openailm

import (
	"bytes"
	"context"
	"strings"

	openai "github.com/openai/openai-go/v3"
)

// TranscribeAudio sends audio bytes to Whisper (auto language detection) and
// returns the transcript text, duration in seconds, and detected language.
// Grounded on original_source/bot/telegram/pipeline/normalizer.py's
// _process_voice/_process_video_note (response_format=verbose_json,
// language=None for auto-detect).
func (c *Client) TranscribeAudio(ctx context.Context, audioBytes []byte, filename string) (text string, seconds float64, language string, err error) {
	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model:          openai.AudioModelWhisper1,
		File:           openai.File(bytes.NewReader(audioBytes), filename, "application/octet-stream"),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return "", 0, "", err
	}
	return strings.TrimSpace(resp.Text), resp.Duration, resp.Language, nil
}

// UploadFile pushes file bytes to the Files API for later reference by an
// LLM content block, returning the provider-assigned file id. Grounded on
// normalizer.py's upload_to_files_api helper.
func (c *Client) UploadFile(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	resp, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), filename, mimeType),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}
