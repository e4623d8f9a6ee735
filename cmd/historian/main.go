// cmd/historian is an asynchronous service that pops room-event records from
// the Redis feed and persists them to a PostgreSQL room_events table. It is
// an audit/history sink: the room service never reads this data back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pileplan/pileplan/internal/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_events (
	id BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor_uid TEXT,
	payload JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS room_events_room_id_idx ON room_events (room_id);
`

// HistorianService encapsulates the Redis + DB logic for capturing room
// lifecycle events in batches.
type HistorianService struct {
	redisClient *redis.Client
	pool        *pgxpool.Pool
	queueName   string
	batchSize   int
	flushDelay  time.Duration

	batchMu  sync.Mutex
	batch    []history.RoomEventRecord
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewHistorianService constructs a HistorianService from environment
// variables or defaults.
func NewHistorianService() *HistorianService {
	batchSize := getEnvInt("HISTORIAN_BATCH_SIZE", 20)
	flushMs := getEnvInt("HISTORIAN_FLUSH_MS", 500)

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &HistorianService{
		redisClient: rdb,
		queueName:   getEnv("HISTORIAN_QUEUE_NAME", history.DefaultQueueName),
		batchSize:   batchSize,
		flushDelay:  time.Duration(flushMs) * time.Millisecond,
		batch:       make([]history.RoomEventRecord, 0, batchSize),
		ctx:         ctx,
		cancelFn:    cancel,
	}
}

// Run connects to the database, ensures the schema, and starts the queue
// drain loop. Blocks until the service context is cancelled.
func (hs *HistorianService) Run() error {
	pool, err := pgxpool.New(hs.ctx, getEnv("DATABASE_URL", "postgres://localhost:5432/pileplan"))
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	hs.pool = pool
	defer pool.Close()

	if _, err := pool.Exec(hs.ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure room_events schema: %w", err)
	}

	go hs.readRedisLoop()

	log.Println("pileplan-historian service started.")
	<-hs.ctx.Done()
	hs.flushBatchToDB()
	log.Println("pileplan-historian shutting down.")
	return nil
}

// Stop cancels the service context.
func (hs *HistorianService) Stop() {
	hs.cancelFn()
}

// readRedisLoop continuously uses BLPop to retrieve records from the queue,
// flushing the accumulated batch on a timer.
func (hs *HistorianService) readRedisLoop() {
	ticker := time.NewTicker(hs.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-hs.ctx.Done():
			return

		case <-ticker.C:
			hs.flushBatchToDB()

		default:
			// BLPop with a short timeout so context cancellation is handled.
			res, err := hs.redisClient.BLPop(hs.ctx, 3*time.Second, hs.queueName).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if hs.ctx.Err() != nil {
					return
				}
				log.Printf("[ERROR] BLPop: %v\n", err)
				continue
			}
			if len(res) < 2 {
				continue
			}

			// res[0] is the queue name and res[1] the payload.
			var record history.RoomEventRecord
			if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
				log.Printf("invalid room event record: %v\n", err)
				continue
			}
			hs.appendToBatch(record)
		}
	}
}

// appendToBatch adds a record to the in-memory batch and flushes if the
// threshold is reached.
func (hs *HistorianService) appendToBatch(record history.RoomEventRecord) {
	hs.batchMu.Lock()
	shouldFlush := false
	hs.batch = append(hs.batch, record)
	if len(hs.batch) >= hs.batchSize {
		shouldFlush = true
	}
	hs.batchMu.Unlock()

	if shouldFlush {
		hs.flushBatchToDB()
	}
}

// flushBatchToDB writes the current batch to the database in one transaction.
func (hs *HistorianService) flushBatchToDB() {
	hs.batchMu.Lock()
	if len(hs.batch) == 0 {
		hs.batchMu.Unlock()
		return
	}
	batchCopy := make([]history.RoomEventRecord, len(hs.batch))
	copy(batchCopy, hs.batch)
	hs.batch = hs.batch[:0]
	hs.batchMu.Unlock()

	ctx := context.Background()
	err := pgx.BeginTxFunc(ctx, hs.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range batchCopy {
			if err := insertRoomEventTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insertRoomEventTx: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] flushBatchToDB: %v\n", err)
	} else {
		log.Printf("Flushed %d room events to DB.\n", len(batchCopy))
	}
}

// insertRoomEventTx inserts a single record into the room_events table.
func insertRoomEventTx(ctx context.Context, tx pgx.Tx, rec history.RoomEventRecord) error {
	q := `
		INSERT INTO room_events (room_id, event_type, actor_uid, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	jsonPayload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, q,
		rec.RoomID, rec.EventType, rec.ActorUID, jsonPayload,
		time.UnixMilli(rec.Timestamp).UTC(),
	)
	return err
}

func main() {
	hs := NewHistorianService()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	go func() {
		<-sigs
		hs.Stop()
	}()

	if err := hs.Run(); err != nil {
		log.Fatalf("historian failed: %v", err)
	}
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
