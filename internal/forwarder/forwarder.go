package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lupusmagist/mail2telegram/internal/dedup"
	"github.com/lupusmagist/mail2telegram/internal/mailbox"
)

// Sender delivers one parsed mail to its destination chat.
type Sender interface {
	Send(ctx context.Context, msg mailbox.Message) error
}

// Stats counts what a single poll did.
type Stats struct {
	Fetched   int // messages retrieved from the mailbox
	Skipped   int // already recorded, not sent again
	Forwarded int // sent and recorded this poll
	Failed    int // not recorded: lookup, send or mark error
	Deleted   int // removed from the mailbox
}

// Forwarder monitors one mailbox and forwards new messages to Telegram.
type Forwarder struct {
	fetcher     mailbox.Fetcher
	store       dedup.Store
	sender      Sender
	interval    time.Duration
	deleteAfter bool
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Forwarder polling at the given interval. deleteAfter enables
// removal of forwarded mail from the mailbox.
func New(
	fetcher mailbox.Fetcher,
	store dedup.Store,
	sender Sender,
	interval time.Duration,
	deleteAfter bool,
	logger *slog.Logger,
) *Forwarder {
	return &Forwarder{
		fetcher:     fetcher,
		store:       store,
		sender:      sender,
		interval:    interval,
		deleteAfter: deleteAfter,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run polls the mailbox on the configured interval until ctx is cancelled.
// The first poll happens immediately.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("starting forwarder",
		"interval", f.interval,
		"delete_after_forward", f.deleteAfter,
	)

	// Run immediately on start, then on interval.
	f.poll(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopped")
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

// poll runs one fetch, check, send, mark cycle. Messages keep their mailbox
// order. A message is recorded only after Telegram confirmed the send, so a
// failure leaves it unrecorded and the next poll retries it. Cancelling ctx
// stops the cycle at the next message boundary.
func (f *Forwarder) poll(ctx context.Context) Stats {
	var stats Stats

	messages, err := f.fetcher.Fetch(ctx)
	if err != nil {
		f.logger.Error("fetch failed", "error", err)
		return stats
	}
	stats.Fetched = len(messages)

	if len(messages) == 0 {
		f.logger.Debug("no messages in mailbox")
		return stats
	}

	f.logger.Info(fmt.Sprintf("found %d message(s)", len(messages)))

	// Everything with a seen record is eligible for upstream deletion, so a
	// deletion missed on one poll is retried on the next.
	var deletable []string
	for _, msg := range messages {
		if ctx.Err() != nil {
			return stats
		}

		seen, err := f.store.Has(ctx, msg.ID)
		if err != nil {
			f.logger.Error("seen lookup failed", "msg_id", msg.ID, "error", err)
			stats.Failed++
			continue
		}
		if seen {
			stats.Skipped++
			if f.deleteAfter && msg.RemoteID != "" {
				deletable = append(deletable, msg.RemoteID)
			}
			continue
		}

		if err := f.sender.Send(ctx, msg); err != nil {
			f.logger.Error("send failed", "msg_id", msg.ID, "error", err)
			stats.Failed++
			continue
		}

		rec := dedup.Record{
			MessageID:   msg.ID,
			Sender:      msg.Sender,
			Recipient:   msg.Recipient,
			Subject:     msg.Subject,
			ReceivedAt:  msg.ReceivedAt,
			ImageCount:  len(msg.Images),
			ForwardedAt: f.now(),
		}
		if err := f.store.Mark(ctx, rec); err != nil {
			// The message went out but has no record, so the next poll
			// sends it again.
			f.logger.Error("mark seen failed", "msg_id", msg.ID, "error", err)
			stats.Failed++
			continue
		}
		stats.Forwarded++
		f.logger.Info("forwarded",
			"msg_id", msg.ID,
			"from", msg.Sender,
			"subject", msg.Subject,
			"images", len(msg.Images),
		)

		if f.deleteAfter && msg.RemoteID != "" {
			deletable = append(deletable, msg.RemoteID)
		}
	}

	if f.deleteAfter && len(deletable) > 0 {
		stats.Deleted = f.deleteForwarded(ctx, deletable)
	}

	f.logger.Info("poll complete",
		"fetched", stats.Fetched,
		"forwarded", stats.Forwarded,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats
}

func (f *Forwarder) deleteForwarded(ctx context.Context, remoteIDs []string) int {
	deleter, ok := f.fetcher.(mailbox.Deleter)
	if !ok {
		f.logger.Warn("delete after forward enabled but fetcher cannot delete")
		return 0
	}
	deleted, err := deleter.Delete(ctx, remoteIDs)
	if err != nil {
		f.logger.Error("delete forwarded mail failed",
			"eligible", len(remoteIDs),
			"deleted", deleted,
			"error", err,
		)
		return deleted
	}
	f.logger.Info("deleted forwarded mail from mailbox",
		"eligible", len(remoteIDs),
		"deleted", deleted,
	)
	return deleted
}
