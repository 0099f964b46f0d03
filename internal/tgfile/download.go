// Package tgfile fetches raw file bytes from the Telegram Bot API for
// the message processor. It resolves a file id to a download path and
// streams the content; rendering and chat UI live elsewhere.
package tgfile

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-telegram/bot"
)

// Telegram caps bot downloads at 20MB; anything above that is refused
// by the API before we ever see it.
const maxFileBytes = 20 << 20

type Downloader struct {
	bot  *bot.Bot
	http *http.Client
}

func New(b *bot.Bot) *Downloader {
	return &Downloader{bot: b, http: http.DefaultClient}
}

// Download resolves fileID and returns the file content.
func (d *Downloader) Download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := d.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("get file %s: empty file path", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.bot.FileDownloadLink(file), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: http %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("download %s: file exceeds %d bytes", fileID, maxFileBytes)
	}
	return data, nil
}
