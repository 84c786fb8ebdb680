package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/types"
)

var bucketPending = []byte("pending_results")

// Publisher delivers one result to the broker. The worker wires this to the
// results stream.
type Publisher interface {
	PublishResult(ctx context.Context, result *types.ProbeResult) error
}

// Options tune the cache. Zero values take the defaults below.
type Options struct {
	// MaxRecords caps pending results (default 100000).
	MaxRecords int
	// MaxBytes caps pending payload bytes (default 256 MiB).
	MaxBytes int64
	// SyncInterval is the fsync cadence for the append log (default 100ms).
	SyncInterval time.Duration
	// SyncEveryN forces an fsync after this many appends (default 64).
	SyncEveryN int
	// BackoffMin/BackoffMax bound the flusher's retry backoff
	// (defaults 250ms and 30s).
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (o *Options) defaults() {
	if o.MaxRecords == 0 {
		o.MaxRecords = 100000
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 256 << 20
	}
	if o.SyncInterval == 0 {
		o.SyncInterval = 100 * time.Millisecond
	}
	if o.SyncEveryN == 0 {
		o.SyncEveryN = 64
	}
	if o.BackoffMin == 0 {
		o.BackoffMin = 250 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
}

// pending is one undelivered result held in memory.
type pending struct {
	seq     uint64
	payload []byte
}

// Cache is the worker's durable result buffer. Store never blocks on the
// broker: results are appended to an on-disk log and delivered by a
// background flusher with exponential backoff. Records survive process
// restarts; at capacity the oldest undelivered results are dropped.
type Cache struct {
	db        *bolt.DB
	publisher Publisher
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	queue      []pending
	totalBytes int64
	unsynced   int
	lastOK     time.Time

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open loads the cache from dataDir, reloading any results that were not
// flushed before the previous shutdown.
func Open(dataDir string, publisher Publisher, opts Options) (*Cache, error) {
	opts.defaults()

	db, err := bolt.Open(filepath.Join(dataDir, "results.db"), 0600, &bolt.Options{
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}
	// Durability is batched: the sync loop fsyncs every SyncInterval or
	// SyncEveryN appends instead of per transaction.
	db.NoSync = true

	c := &Cache{
		db:        db,
		publisher: publisher,
		opts:      opts,
		logger:    log.WithComponent("cache"),
		lastOK:    time.Now(),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if err := c.reload(); err != nil {
		db.Close()
		return nil, err
	}

	go c.run()
	return c, nil
}

// reload rebuilds the in-memory queue from unflushed log records.
func (c *Cache) reload() error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			payload := make([]byte, len(v))
			copy(payload, v)
			c.queue = append(c.queue, pending{seq: binary.BigEndian.Uint64(k), payload: payload})
			c.totalBytes += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to reload result cache: %w", err)
	}
	if n := len(c.queue); n > 0 {
		c.logger.Info().Int("pending", n).Msg("reloaded unflushed results")
	}
	metrics.CachePending.Set(float64(len(c.queue)))
	return nil
}

// Store appends a result to the log. Once Store returns nil the result will
// eventually reach the broker, across restarts, unless capacity forces a
// drop-oldest.
func (c *Cache) Store(result *types.ProbeResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var seq uint64
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		seq, _ = b.NextSequence()
		return b.Put(seqKey(seq), payload)
	})
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}

	c.queue = append(c.queue, pending{seq: seq, payload: payload})
	c.totalBytes += int64(len(payload))
	c.unsynced++
	if c.unsynced >= c.opts.SyncEveryN {
		c.syncLocked()
	}

	c.enforceCapLocked()
	metrics.CachePending.Set(float64(len(c.queue)))

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// enforceCapLocked drops oldest records past either capacity limit.
func (c *Cache) enforceCapLocked() {
	for len(c.queue) > c.opts.MaxRecords || c.totalBytes > c.opts.MaxBytes {
		head := c.queue[0]
		if err := c.deleteRecord(head.seq); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drop oldest record")
			return
		}
		c.queue = c.queue[1:]
		c.totalBytes -= int64(len(head.payload))
		metrics.CacheDropped.Inc()
	}
}

// ForceFlush synchronously delivers everything currently pending. Used on
// graceful shutdown.
func (c *Cache) ForceFlush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok, err := c.flushOne(ctx); err != nil {
			return err
		} else if !ok {
			return nil
		}
	}
}

// Pending returns the number of undelivered results.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// LastFlushSuccess returns when a result last reached the broker. The worker
// self-revokes when this is too long ago.
func (c *Cache) LastFlushSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOK
}

// Close stops the flusher and syncs the log. Pending records are kept for
// the next start.
func (c *Cache) Close() error {
	close(c.stopCh)
	<-c.doneCh
	c.mu.Lock()
	c.syncLocked()
	c.mu.Unlock()
	return c.db.Close()
}

// run is the flusher loop: deliver head-of-line with exponential backoff,
// plus the periodic fsync tick.
func (c *Cache) run() {
	defer close(c.doneCh)

	syncTicker := time.NewTicker(c.opts.SyncInterval)
	defer syncTicker.Stop()

	backoff := c.opts.BackoffMin
	var retryAt time.Time

	for {
		select {
		case <-c.stopCh:
			return
		case <-syncTicker.C:
			c.mu.Lock()
			if c.unsynced > 0 {
				c.syncLocked()
			}
			c.mu.Unlock()
			continue
		case <-c.wake:
		case <-time.After(250 * time.Millisecond):
		}

		if time.Now().Before(retryAt) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		flushed, err := c.flushOne(ctx)
		cancel()

		if err != nil {
			retryAt = time.Now().Add(backoff)
			if backoff < c.opts.BackoffMax {
				backoff *= 2
				if backoff > c.opts.BackoffMax {
					backoff = c.opts.BackoffMax
				}
			}
			continue
		}
		backoff = c.opts.BackoffMin
		retryAt = time.Time{}
		if flushed {
			// Drain eagerly while the broker is healthy.
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
}

// flushOne publishes the oldest pending result. Returns whether a record was
// flushed.
func (c *Cache) flushOne(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false, nil
	}
	head := c.queue[0]
	c.mu.Unlock()

	var result types.ProbeResult
	if err := json.Unmarshal(head.payload, &result); err != nil {
		// Corrupt record: discard rather than wedge the queue.
		c.logger.Warn().Err(err).Uint64("seq", head.seq).Msg("dropping corrupt cache record")
		c.remove(head)
		return true, nil
	}

	if err := c.publisher.PublishResult(ctx, &result); err != nil {
		return false, err
	}

	c.remove(head)
	c.mu.Lock()
	c.lastOK = time.Now()
	c.mu.Unlock()
	metrics.CacheFlushed.Inc()
	return true, nil
}

func (c *Cache) remove(p pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.deleteRecord(p.seq); err != nil {
		c.logger.Warn().Err(err).Uint64("seq", p.seq).Msg("failed to delete flushed record")
	}
	if len(c.queue) > 0 && c.queue[0].seq == p.seq {
		c.queue = c.queue[1:]
		c.totalBytes -= int64(len(p.payload))
	}
	metrics.CachePending.Set(float64(len(c.queue)))
}

func (c *Cache) deleteRecord(seq uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(seqKey(seq))
	})
}

func (c *Cache) syncLocked() {
	if err := c.db.Sync(); err != nil {
		c.logger.Warn().Err(err).Msg("fsync failed")
		return
	}
	c.unsynced = 0
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
