// The gojodb_session_server binary wires the session transaction subsystem
// together for standalone operation: an in-memory storage engine, the oplog
// slot allocator, the session catalog with its expiry reaper, and the
// telemetry endpoint. On startup it drives one unprepared and one prepared
// transaction through their full lifecycle as a smoke check.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/core/concurrency"
	"github.com/sushant-115/gojodb/core/operation"
	"github.com/sushant-115/gojodb/core/replication/oplog"
	"github.com/sushant-115/gojodb/core/session"
	"github.com/sushant-115/gojodb/core/storage_engine/memory"
	"github.com/sushant-115/gojodb/core/transaction"
	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	prometheusPort = 9091
	reaperInterval = 5 * time.Second
	ticketPoolSize = 128
	replTerm       = 1
)

func main() {
	log, err := logger.New(logger.Config{
		Level:   "info",
		Format:  "console",
		Service: "gojodb_session_server",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        true,
		ServiceName:    "gojodb_session_server",
		PrometheusPort: prometheusPort,
	})
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	alloc := oplog.NewAllocator(replTerm, log)
	engine := memory.NewEngine(alloc)
	catalog := session.NewCatalog(log)

	registry := transaction.NewRegistry(&transaction.Environment{
		Logger:   log,
		Engine:   engine,
		Oplog:    alloc,
		Observer: &transaction.OplogObserver{Alloc: alloc},
		Tickets:  concurrency.NewTicketHolder(ticketPoolSize),
	})

	if err := telemetry.RegisterLiveSessionsGauge(tel.Meter, func() int64 {
		return int64(catalog.Len())
	}); err != nil {
		log.Warn("Failed to register live sessions gauge", zap.Error(err))
	}

	reaper := transaction.NewReaper(catalog, registry, reaperInterval, log)
	reaper.Start()
	defer reaper.Stop()

	if err := runSmokeTransactions(log, catalog, registry, engine, alloc); err != nil {
		log.Fatal("Transaction smoke check failed", zap.Error(err))
	}

	log.Info("Session server running",
		zap.Int("prometheusPort", prometheusPort),
		zap.Duration("reaperInterval", reaperInterval))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("Shutting down session server")
}

// runSmokeTransactions drives one unprepared and one prepared transaction to
// completion against the in-memory engine.
func runSmokeTransactions(log *zap.Logger, catalog *session.Catalog, registry *transaction.Registry, engine *memory.Engine, alloc *oplog.Allocator) error {
	env := registry.Environment()
	lsid := uuid.New()

	runTxn := func(txnNumber int64, key string, doc []byte, prepared bool) error {
		ctx := context.Background()
		sess, err := catalog.CheckOutSession(ctx, lsid)
		if err != nil {
			return err
		}
		defer catalog.CheckInSession(lsid)
		if err := sess.SetActiveTxnNumber(txnNumber); err != nil {
			return err
		}

		client := operation.NewClient(fmt.Sprintf("smoke-%d", txnNumber))
		opCtx := operation.NewContext(ctx, client, concurrency.NewLocker(env.Tickets), engine.NewRecoveryUnit())
		opCtx.SetSessionID(lsid)
		opCtx.SetTxnNumber(txnNumber)
		sess.SetCurrentOperation(opCtx)
		defer sess.ClearCurrentOperation()
		defer func() {
			opCtx.Locker().UnlockGlobal()
			opCtx.Locker().ReleaseTicket()
		}()

		participant := registry.ForSession(sess)
		autocommit, start := false, true
		if err := participant.BeginOrContinue(txnNumber, &autocommit, &start); err != nil {
			return err
		}
		if err := participant.UnstashTransactionResources(opCtx, "insert"); err != nil {
			return err
		}
		participant.SetSpeculativeTransactionOpTime(opCtx, transaction.SpeculativeAllCommitted)

		writer := opCtx.RecoveryUnit().(memory.DocumentWriter)
		if err := writer.StageWrite(key, doc); err != nil {
			return err
		}
		if err := participant.AddTransactionOperation(opCtx, oplog.ReplOperation{
			Op:        oplog.OpTypeInsert,
			Namespace: "smoke.docs",
			Document:  doc,
		}); err != nil {
			return err
		}

		if prepared {
			prepareTs, err := participant.PrepareTransaction(opCtx, nil)
			if err != nil {
				return err
			}
			if err := participant.CommitPreparedTransaction(opCtx, prepareTs); err != nil {
				return err
			}
		} else if err := participant.CommitUnpreparedTransaction(opCtx); err != nil {
			return err
		}

		if _, ok := engine.Get(key); !ok {
			return fmt.Errorf("document %q not visible after commit", key)
		}
		return nil
	}

	if err := runTxn(1, "doc-unprepared", []byte(`{"kind":"unprepared"}`), false); err != nil {
		return err
	}
	if err := runTxn(2, "doc-prepared", []byte(`{"kind":"prepared"}`), true); err != nil {
		return err
	}

	log.Info("Transaction smoke check passed",
		zap.String("lsid", lsid.String()),
		zap.Uint64("allCommitted", uint64(alloc.AllCommitted())))
	return nil
}
