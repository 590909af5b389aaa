// Package sync implements the Sync Engine (spec §4.8): batched
// incremental pull of missed messages with a single-flight guard,
// progress broadcast, retry-with-backoff, and a rate-limited full re-pull
// fallback.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"imsdk/internal/codec"
	"imsdk/internal/store"
	"imsdk/internal/supervisor"
)

// DefaultBatchSize is used when the caller does not override it.
const DefaultBatchSize = 500

// BatchSizeForNetwork clamps the sync batch size by network type (spec §4.8).
func BatchSizeForNetwork(nt supervisor.NetworkType) int {
	switch nt {
	case supervisor.NetworkWiFi:
		return 500
	case supervisor.NetworkCellular:
		return 200
	default:
		return 100
	}
}

const maxRetries = 3

// ErrAlreadySyncing is returned by a concurrent caller's Wait-style usage
// is not applicable; Sync itself never returns this — see its doc comment.
var ErrAlreadySyncing = errors.New("sync: already syncing")

// ErrAuth signals an auth-level failure from the server; the caller must
// abort and propagate rather than retry.
var ErrAuth = errors.New("sync: authentication error")

// Progress reports one completed batch.
type Progress struct {
	Current    int64
	Total      int
	BatchIndex int
}

// Puller performs one sync_req/sync_rsp round trip. Implemented by the
// Client facade on top of the Message Router and Send Queue's transport.
type Puller interface {
	Pull(ctx context.Context, fromSeq int64, batchSize int) (codec.SyncRsp, error)
}

// Store is the narrow slice of internal/store.Store the engine needs,
// declared here so tests can substitute a fake without opening a real
// database.
type Store interface {
	SaveMessages(ctx context.Context, rows []store.MessageRow) (store.BatchStats, error)
	SetLastSyncSeq(ctx context.Context, userID string, seq, now int64) error
	MaxSeq(ctx context.Context) (int64, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real wall-clock Clock.
func SystemClock() Clock { return systemClock{} }

// Listener receives sync lifecycle events.
type Listener interface {
	OnProgress(p Progress)
	OnComplete(finalSeq int64)
	OnError(err error)
}

// Engine runs at most one sync at a time; concurrent Sync calls observe
// the running task's completion instead of starting a second pull.
type Engine struct {
	puller   Puller
	store    Store
	listener Listener
	clock    Clock
	userID   string

	mu       sync.Mutex
	running  bool
	waiters  []chan error

	repullLimiter *rate.Limiter
}

// New creates an Engine. The full-repull fallback is capped to once per 5
// minutes via a token-bucket limiter, matching the spec's "rate-limited"
// requirement without hand-rolling a cooldown timer.
func New(puller Puller, st Store, listener Listener, clock Clock, userID string) *Engine {
	return &Engine{
		puller:        puller,
		store:         st,
		listener:      listener,
		clock:         clock,
		userID:        userID,
		repullLimiter: rate.NewLimiter(rate.Every(5*time.Minute), 1),
	}
}

// Sync pulls messages with seq > fromSeq-1 in batches until exhausted.
// fromSeq <= 0 means "from store.MaxSeq()+1". A concurrent call while a
// sync is already running blocks until that run finishes and returns its
// result, rather than starting a second pull (spec §4.8 AlreadySyncing).
func (e *Engine) Sync(ctx context.Context, fromSeq int64, batchSize int) error {
	e.mu.Lock()
	if e.running {
		wait := make(chan error, 1)
		e.waiters = append(e.waiters, wait)
		e.mu.Unlock()
		select {
		case err := <-wait:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.running = true
	e.mu.Unlock()

	err := e.runSync(ctx, fromSeq, batchSize)

	e.mu.Lock()
	e.running = false
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
	return err
}

func (e *Engine) runSync(ctx context.Context, fromSeq int64, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if fromSeq <= 0 {
		maxSeq, err := e.store.MaxSeq(ctx)
		if err != nil {
			return fmt.Errorf("sync: read max seq: %w", err)
		}
		fromSeq = maxSeq + 1
	}

	from := fromSeq
	batchIndex := 0
	var synced int64
	for {
		rsp, err := e.pullWithRetry(ctx, from, batchSize)
		if err != nil {
			if e.listener != nil {
				e.listener.OnError(err)
			}
			return err
		}

		rows := make([]store.MessageRow, 0, len(rsp.Messages))
		var maxSeqInBatch int64
		for _, wm := range rsp.Messages {
			rows = append(rows, wireMessageToRow(wm))
			if wm.Seq > maxSeqInBatch {
				maxSeqInBatch = wm.Seq
			}
		}

		if _, err := e.store.SaveMessages(ctx, rows); err != nil {
			err = fmt.Errorf("sync: save batch: %w", err)
			if e.listener != nil {
				e.listener.OnError(err)
			}
			return err
		}
		if maxSeqInBatch > 0 {
			if err := e.store.SetLastSyncSeq(ctx, e.userID, maxSeqInBatch, e.clock.Now().UnixMilli()); err != nil {
				err = fmt.Errorf("sync: persist cursor: %w", err)
				if e.listener != nil {
					e.listener.OnError(err)
				}
				return err
			}
		}

		batchIndex++
		synced += int64(len(rows))
		if e.listener != nil {
			e.listener.OnProgress(Progress{Current: synced, Total: rsp.TotalCount, BatchIndex: batchIndex})
		}

		if !rsp.HasMore {
			if e.listener != nil {
				e.listener.OnComplete(rsp.ServerMaxSeq)
			}
			return nil
		}
		from = rsp.ServerMaxSeq + 1
	}
}

// pullWithRetry retries network-level failures with backoff up to
// maxRetries times; auth and other server-level errors abort immediately.
func (e *Engine) pullWithRetry(ctx context.Context, from int64, batchSize int) (codec.SyncRsp, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return codec.SyncRsp{}, ctx.Err()
			case <-e.clock.After(delay):
			}
		}
		rsp, err := e.puller.Pull(ctx, from, batchSize)
		if err == nil {
			return rsp, nil
		}
		if errors.Is(err, ErrAuth) {
			return codec.SyncRsp{}, err
		}
		var ne *NetworkError
		if !errors.As(err, &ne) {
			// Not classified as retryable network trouble: treat as an
			// unknown server error and abort per spec §4.8.
			return codec.SyncRsp{}, err
		}
		lastErr = err
	}
	return codec.SyncRsp{}, fmt.Errorf("sync: exhausted retries: %w", lastErr)
}

// NetworkError wraps a transient, retryable failure (timeout, transport
// disconnect mid-request). Pullers should wrap such errors with it so the
// engine knows to retry instead of aborting.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// ShouldFullRepull reports whether a full re-pull (from_seq=0) is
// currently allowed by the rate limiter, to be called by the supervisor
// after an incremental sync exhausts its retries (spec §4.8 fallback).
func (e *Engine) ShouldFullRepull() bool {
	return e.repullLimiter.Allow()
}

func wireMessageToRow(wm codec.WireMessage) store.MessageRow {
	row := store.MessageRow{
		MessageID:        wm.MessageID,
		ServerMsgID:      wm.ServerMsgID,
		Seq:              wm.Seq,
		ConversationID:   wm.ConversationID,
		SenderID:         wm.SenderID,
		ReceiverID:       wm.ReceiverID,
		ConversationType: wm.ConversationType,
		MessageType:      wm.MessageType,
		Content:          wm.Content,
		CreateTime:       wm.CreateTime,
		ServerTime:       wm.ServerTime,
		Status:           wm.Status,
		Direction:        "receive",
		IsRead:           wm.IsRead,
		IsDeleted:        wm.IsDeleted,
		IsRevoked:        wm.IsRevoked,
		RevokedBy:        wm.RevokedBy,
		RevokedTime:      wm.RevokedTime,
		AtUserIDs:        wm.AtUserIDs,
		AtAll:            wm.AtAll,
		ReadBy:           wm.ReadBy,
		Extra:            wm.Extra,
	}
	if wm.Quote != nil {
		if encoded, err := codec.Marshal(wm.Quote); err == nil {
			row.QuoteJSON = string(encoded)
		}
	}
	if wm.Status == "" {
		row.Status = "sent"
	}
	return row
}
