package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/supportpanel/server/internal/botclient"
	"github.com/supportpanel/server/internal/chat"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/realtime"
	"github.com/supportpanel/server/internal/repo"
)

// DefaultPace keeps dispatch under 20 messages per second.
const DefaultPace = 50 * time.Millisecond

// Sender delivers one campaign message.
type Sender interface {
	Send(ctx context.Context, req botclient.SendRequest) (*int64, error)
}

// Worker claims campaigns and sends them chat by chat. Every recipient is
// recorded in the delivery ledger, so a campaign interrupted by a crash is
// resumed without re-sending to recorded recipients.
type Worker struct {
	store repo.Store
	bot   Sender
	pub   chat.Publisher
	pace  time.Duration
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker. pub may be nil.
func NewWorker(store repo.Store, bot Sender, pub chat.Publisher) *Worker {
	return &Worker{
		store: store,
		bot:   bot,
		pub:   pub,
		pace:  DefaultPace,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Recover returns campaigns left in_progress by a previous process to pending.
func (w *Worker) Recover(ctx context.Context) (int64, error) {
	n, err := w.store.Broadcasts().RequeueInProgress(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("broadcast: requeued %d interrupted campaign(s)", n)
	}
	return n, nil
}

// RunOnce claims and processes the oldest pending campaign. It reports false
// when nothing was waiting.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	b, err := w.store.Broadcasts().ClaimNext(ctx, w.now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, w.Process(ctx, b)
}

// Handle processes the campaign named in a notification. A campaign that is
// no longer pending was already taken by another worker and is skipped.
func (w *Worker) Handle(ctx context.Context, id uuid.UUID) error {
	b, err := w.store.Broadcasts().Claim(ctx, id, w.now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.Process(ctx, b)
}

// Process sends b to every matching chat not yet in its ledger and completes it.
func (w *Worker) Process(ctx context.Context, b model.Broadcast) error {
	m := globalMetrics()
	chats, err := w.store.Chats().ListByStatuses(ctx, chatStatuses(b.TargetStatuses))
	if err != nil {
		return fmt.Errorf("broadcast %s targets: %w", b.ID, err)
	}
	done, err := w.store.Broadcasts().DeliveredChatIDs(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("broadcast %s ledger: %w", b.ID, err)
	}
	log.Printf("broadcast: processing %s (%d targets, %d already delivered)", b.ID, len(chats), len(done))

	for _, c := range chats {
		if done[c.ID] {
			continue
		}
		ok := w.sendOne(ctx, b, c)
		if err := w.record(ctx, b, c, ok); err != nil {
			return err
		}
		if ok {
			m.sends.WithLabelValues("sent").Inc()
		} else {
			m.sends.WithLabelValues("failed").Inc()
		}
		if err := w.sleep(ctx, w.pace); err != nil {
			return err
		}
	}

	sent, failed, err := w.store.Broadcasts().DeliveryStats(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("broadcast %s stats: %w", b.ID, err)
	}
	stats := model.BroadcastStats{Sent: sent, Failed: failed, Total: len(chats)}
	if err := w.store.Broadcasts().Complete(ctx, b.ID, stats, w.now().UTC()); err != nil {
		return fmt.Errorf("complete broadcast %s: %w", b.ID, err)
	}
	m.campaigns.WithLabelValues(model.BroadcastCompleted).Inc()
	log.Printf("broadcast: %s completed: %d sent, %d failed", b.ID, sent, failed)
	return nil
}

func (w *Worker) sendOne(ctx context.Context, b model.Broadcast, c model.Chat) bool {
	body := b.Body
	_, err := w.bot.Send(ctx, botclient.SendRequest{
		TgID:          c.TgID,
		Text:          &body,
		Type:          model.MessageText,
		InlineButtons: b.InlineButtons,
		Attachments:   botclient.Attachments(b.Attachments),
	})
	if err != nil {
		log.Printf("broadcast: send %s to %d: %v", b.ID, c.TgID, err)
		return false
	}
	return true
}

// record writes the ledger row and, for a successful send, the chat message.
func (w *Worker) record(ctx context.Context, b model.Broadcast, c model.Chat, ok bool) error {
	var msg *model.Message
	err := w.store.WithinTx(ctx, func(r repo.Repos) error {
		inserted, err := r.Broadcasts().RecordDelivery(ctx, b.ID, c.ID, ok)
		if err != nil || !inserted || !ok {
			return err
		}
		body := b.Body
		atts := make([]model.Attachment, 0, len(b.Attachments))
		for _, a := range b.Attachments {
			a.ID = uuid.Nil
			atts = append(atts, a)
		}
		m := model.Message{
			ChatID:        c.ID,
			Direction:     model.DirectionOut,
			Type:          model.MessageText,
			Text:          &body,
			InlineButtons: b.InlineButtons,
			SentByUserID:  b.CreatedByUserID,
			Attachments:   atts,
		}
		if err := r.Messages().Create(ctx, &m); err != nil {
			return err
		}
		msg = &m
		return r.Chats().TouchLastMessage(ctx, c.ID, w.now().UTC())
	})
	if err != nil {
		return fmt.Errorf("record delivery %s/%s: %w", b.ID, c.ID, err)
	}
	if msg != nil && w.pub != nil {
		w.pub.Publish(realtime.MessageCreated, map[string]any{"chat_id": c.ID, "message": chat.MessageView(*msg)})
	}
	return nil
}

// Run processes notified campaigns as they arrive and polls every interval
// for anything the notifications missed. It returns when ctx is done.
func (w *Worker) Run(ctx context.Context, notifications <-chan uuid.UUID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("broadcast: worker started (poll every %s)", interval)

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("broadcast: worker stopped")
			return
		case id, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if err := w.Handle(ctx, id); err != nil {
				log.Printf("broadcast: handle %s: %v", id, err)
			}
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		found, err := w.RunOnce(ctx)
		if err != nil {
			log.Printf("broadcast: poll: %v", err)
			return
		}
		if !found {
			return
		}
	}
}
