// Package telegram delivers outbox messages through the Telegram Bot API.
//
// Destinations are numeric chat ids, optionally suffixed with a forum thread id
// ("-100123:42"). Long texts are split into several messages; the id of the first one
// is reported as delivery meta.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

type Config struct {
	Token     string
	ParseMode string
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
	// Offline skips the getMe handshake at construction time.
	Offline bool
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

func (s *Sender) Send(ctx context.Context, clientID, to, message string) (outbox.DeliveryMeta, error) {
	chatID, threadID, err := parseTarget(to)
	if err != nil {
		return nil, err
	}

	chunks := splitTelegramText(message, telegramTextLimit, s.cfg.ParseMode)
	chat := &tele.Chat{ID: chatID}

	var first *tele.Message
	// bot.Send takes no context; ctx is only honored between chunks.
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return partialMeta(first, len(chunks)), err
		}
		msg, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode: s.cfg.ParseMode,
			ThreadID:  threadID,
		})
		if err != nil {
			s.log.Debug("telegram send failed",
				logx.String("client_id", clientID),
				logx.Int64("chat_id", chatID),
				logx.Err(err),
			)
			return partialMeta(first, len(chunks)), err
		}
		if first == nil {
			first = msg
		}
	}
	return partialMeta(first, len(chunks)), nil
}

func partialMeta(first *tele.Message, parts int) outbox.DeliveryMeta {
	if first == nil {
		return nil
	}
	return outbox.DeliveryMeta{"message_id": first.ID, "parts": parts}
}

// parseTarget accepts "<chat>" or "<chat>:<thread>".
func parseTarget(to string) (int64, int, error) {
	to = strings.TrimSpace(to)
	chatPart, threadPart, hasThread := strings.Cut(to, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram chat id %q", to)
	}
	if !hasThread {
		return chatID, 0, nil
	}
	threadID, err := strconv.Atoi(threadPart)
	if err != nil || threadID < 0 {
		return 0, 0, fmt.Errorf("invalid telegram thread id %q", to)
	}
	return chatID, threadID, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer a newline near the end of the window, but not a tiny chunk.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
