package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/spf13/cobra"

	"github.com/vitrina/tiendabot/internal/tgfile"
	"github.com/vitrina/tiendabot/processor"
	"github.com/vitrina/tiendabot/productcache"
)

func newBotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram bot with long polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Telegram.BotToken == "" {
				return fmt.Errorf("telegram.bot_token is required")
			}

			client := clientFromConfig(cfg, logger)
			defer client.Close()

			// The handler closes over proc, which needs the bot for
			// file downloads; it is set before polling starts.
			var proc *processor.Processor
			b, err := bot.New(cfg.Telegram.BotToken,
				bot.WithAllowedUpdates(bot.AllowedUpdates{"message"}),
				bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
					handleUpdate(ctx, b, update, proc, logger)
				}),
			)
			if err != nil {
				return fmt.Errorf("init telegram bot: %w", err)
			}

			proc = processor.New(client, processorConfig(cfg),
				processor.WithLogger(logger),
				processor.WithFileDownloader(tgfile.New(b)),
				processor.WithProductCache(productcache.New(cfg.ProductCache.TTL, cfg.ProductCache.MaxSize)),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client.Warmup(ctx)
			logger.Info("bot_started")
			b.Start(ctx)
			logger.Info("bot_stopped")
			return nil
		},
	}
}

func handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update, proc *processor.Processor, logger *slog.Logger) {
	if update == nil || update.Message == nil || proc == nil {
		return
	}
	msg := messageFromUpdate(update.Message)
	res := proc.ProcessMessage(ctx, msg)
	if res.Response == "" {
		return
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: msg.ChatID,
		Text:   res.Response,
	}); err != nil {
		logger.Error("send_failed", "chat_id", msg.ChatID, "error", err.Error())
	}
}

// messageFromUpdate maps a Telegram message onto the processor's
// channel-agnostic descriptor. Photos keep the largest size variant.
func messageFromUpdate(m *models.Message) processor.Message {
	msg := processor.Message{
		ChatID:         m.Chat.ID,
		Text:           m.Text,
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		HasLocation:    m.Location != nil,
		HasContact:     m.Contact != nil,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.From != nil {
		msg.FromExternalID = strconv.FormatInt(m.From.ID, 10)
		msg.FromFirstName = m.From.FirstName
		msg.FromLastName = m.From.LastName
		msg.FromUsername = m.From.Username
		msg.LanguageCode = m.From.LanguageCode
	}
	if len(m.Photo) > 0 {
		msg.PhotoFileID = m.Photo[len(m.Photo)-1].FileID
	}
	if m.Voice != nil {
		msg.VoiceFileID = m.Voice.FileID
	}
	if m.Audio != nil {
		msg.AudioFileID = m.Audio.FileID
	}
	if m.Document != nil {
		msg.DocumentFileID = m.Document.FileID
	}
	if m.Video != nil {
		msg.VideoFileID = m.Video.FileID
	}
	if m.Sticker != nil {
		msg.StickerFileID = m.Sticker.FileID
	}
	return msg
}
