package wal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	// duplicateObjectCode is raised when the replication slot already exists.
	duplicateObjectCode = "42710"

	defaultStatusInterval = 10 * time.Second
	maxReconnectInterval  = 30 * time.Second
)

// Config configures the replication consumer.
type Config struct {
	// ConnString is a regular database URL; the consumer adds the
	// replication parameter itself.
	ConnString  string
	Slot        string
	Publication string
	Handler     Handler
	// StatusInterval is how often standby status updates carry the flushed
	// LSN back to the server. Defaults to 10s.
	StatusInterval time.Duration
}

// Consumer tails the logical replication slot and feeds decoded events to
// the handler, reconnecting with capped exponential backoff on any failure.
// The server resumes the stream from the last LSN the consumer reported
// flushed, so events may be redelivered after a reconnect; downstream
// consumers dedupe by LSN.
type Consumer struct {
	cfg Config

	// flushed is the newest LSN durably persisted downstream. It is what we
	// report in standby status updates, which lets the server trim WAL.
	flushed atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer. The handler is required.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Handler == nil {
		return nil, errors.New("wal: handler is required")
	}
	if cfg.Slot == "" || cfg.Publication == "" {
		return nil, errors.New("wal: slot and publication are required")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	return &Consumer{cfg: cfg, stopCh: make(chan struct{})}, nil
}

// SetFlushedLSN records the newest LSN persisted downstream. Called before
// Start with the recovered position, then continuously as batches commit.
func (c *Consumer) SetFlushedLSN(lsn uint64) {
	for {
		cur := c.flushed.Load()
		if lsn <= cur || c.flushed.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// FlushedLSN returns the last reported flush position.
func (c *Consumer) FlushedLSN() uint64 { return c.flushed.Load() }

// Start launches the replication loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
	log.Printf("[wal] consumer started (slot=%s publication=%s)", c.cfg.Slot, c.cfg.Publication)
}

// Stop terminates the replication loop and waits for it to exit.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	log.Printf("[wal] consumer stopped")
}

func (c *Consumer) run() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		// A session that survived a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Printf("[wal] stream ended: %v; reconnecting in %s", err, wait.Round(time.Millisecond))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// stream runs one replication session: connect, ensure the slot, start
// streaming from the flushed position, and pump messages until failure.
func (c *Consumer) stream(ctx context.Context) error {
	connCfg, err := pgconn.ParseConfig(c.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("wal: parse conn string: %w", err)
	}
	connCfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return fmt.Errorf("wal: connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, c.cfg.Slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != duplicateObjectCode {
			return fmt.Errorf("wal: create slot %s: %w", c.cfg.Slot, err)
		}
	}

	startLSN := pglogrepl.LSN(c.flushed.Load())
	err = pglogrepl.StartReplication(ctx, conn, c.cfg.Slot, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", c.cfg.Publication),
			"messages 'true'",
		}})
	if err != nil {
		return fmt.Errorf("wal: start replication at %s: %w", startLSN, err)
	}
	log.Printf("[wal] streaming from %s", startLSN)

	rels := make(relationSet)
	var tx txnState
	nextStatus := time.Now().Add(c.cfg.StatusInterval)

	for {
		if time.Now().After(nextStatus) {
			if err := c.sendStatus(ctx, conn); err != nil {
				return err
			}
			nextStatus = time.Now().Add(c.cfg.StatusInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatus)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("wal: receive: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.CopyData:
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("wal: parse keepalive: %w", err)
				}
				if ka.ReplyRequested {
					if err := c.sendStatus(ctx, conn); err != nil {
						return err
					}
					nextStatus = time.Now().Add(c.cfg.StatusInterval)
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("wal: parse xlog data: %w", err)
				}
				c.handleXLogData(xld, rels, &tx)
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("wal: server error: %s (%s)", msg.Message, msg.Code)
		}
	}
}

func (c *Consumer) sendStatus(ctx context.Context, conn *pgconn.PgConn) error {
	lsn := pglogrepl.LSN(c.flushed.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
	if err != nil {
		return fmt.Errorf("wal: send standby status: %w", err)
	}
	return nil
}

// txnState is per-transaction decode state. A decode failure poisons the
// remainder of the transaction: emitting a partial transaction would leave
// downstream caches inconsistent, so we drop it whole and log loudly.
type txnState struct {
	subject []byte
	broken  bool
}

func (c *Consumer) handleXLogData(xld pglogrepl.XLogData, rels relationSet, tx *txnState) {
	logical, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		log.Printf("[wal] failed to parse logical message at %s: %v", xld.WALStart, err)
		tx.broken = true
		return
	}

	switch msg := logical.(type) {
	case *pglogrepl.BeginMessage:
		*tx = txnState{}
	case *pglogrepl.CommitMessage:
		*tx = txnState{}
	case *pglogrepl.RelationMessage:
		rels.add(msg)
	case *pglogrepl.LogicalDecodingMessage:
		if msg.Prefix == "subject" {
			tx.subject = msg.Content
		}
	case *pglogrepl.InsertMessage:
		c.emitRow(xld, rels, tx, OpInsert, msg.RelationID, nil, msg.Tuple)
	case *pglogrepl.UpdateMessage:
		c.emitRow(xld, rels, tx, OpUpdate, msg.RelationID, msg.OldTuple, msg.NewTuple)
	case *pglogrepl.DeleteMessage:
		c.emitRow(xld, rels, tx, OpDelete, msg.RelationID, msg.OldTuple, nil)
	case *pglogrepl.TypeMessage, *pglogrepl.OriginMessage, *pglogrepl.TruncateMessage:
		// not interesting
	}
}

func (c *Consumer) emitRow(xld pglogrepl.XLogData, rels relationSet, tx *txnState, op Op, relID uint32, oldTuple, newTuple *pglogrepl.TupleData) {
	if tx.broken {
		return
	}
	rel, err := rels.get(relID)
	if err != nil {
		log.Printf("[wal] dropping transaction: %v", err)
		tx.broken = true
		return
	}
	oldRow, err := decodeTuple(rel, oldTuple, nil)
	if err != nil {
		log.Printf("[wal] dropping transaction: %v", err)
		tx.broken = true
		return
	}
	newRow, err := decodeTuple(rel, newTuple, oldRow)
	if err != nil {
		log.Printf("[wal] dropping transaction: %v", err)
		tx.broken = true
		return
	}
	c.cfg.Handler(Event{
		LSN:     uint64(xld.WALStart),
		Op:      op,
		Table:   tableName(rel),
		Old:     oldRow,
		New:     newRow,
		Subject: tx.subject,
	})
}
