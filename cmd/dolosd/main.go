// Command dolosd is the daemon entrypoint: it wires genesis load,
// domain open, upstream connect, the WorkBuffer state machine, and the
// SyncExecutor loop into a single ingestion process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/txpipe/dolos/internal/cardano"
	"github.com/txpipe/dolos/internal/chainpoint"
	"github.com/txpipe/dolos/internal/config"
	"github.com/txpipe/dolos/internal/domain"
	"github.com/txpipe/dolos/internal/epoch"
	"github.com/txpipe/dolos/internal/metrics"
	"github.com/txpipe/dolos/internal/rollbatch"
	"github.com/txpipe/dolos/internal/upstream"
	"github.com/txpipe/dolos/internal/workbuffer"
	"github.com/txpipe/dolos/internal/workunit"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("dolosd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	genesis, err := cardano.Load(cfg.GenesisPaths)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	if cfg.ForceProtocolVersionAtEpoch0 != 0 {
		genesis.ProtocolMajor = cfg.ForceProtocolVersionAtEpoch0
	}

	dom, err := domain.Open(cfg.StoragePath, cfg.Caches, genesis)
	if err != nil {
		return fmt.Errorf("open domain: %w", err)
	}
	defer dom.Close()

	metrics.StartServer(cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("dolosd: shutdown signal received")
		cancel()
	}()

	if cfg.MaxWALHistory > 0 {
		go prune(ctx, dom, cfg.MaxWALHistory)
	}

	src := upstream.NewWSClient(cfg.UpstreamAddr, cfg.UpstreamCompressed)
	defer src.Cancel()

	return ingest(ctx, dom, src, cfg)
}

// prune houskeeps the write-ahead log periodically, dropping entries
// older than maxHistory slots behind the current tip.
func prune(ctx context.Context, dom *domain.Domain, maxHistory uint64) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp, ok, err := dom.WAL.Tip()
			if err != nil || !ok || cp.Slot < maxHistory {
				continue
			}
			if err := dom.WAL.PruneBefore(cp.Slot - maxHistory); err != nil {
				log.Printf("dolosd: wal prune: %v", err)
			}
		}
	}
}

// ingest resolves the intersection point, then alternates between
// pulling frames from the upstream source and draining whatever the
// WorkBuffer makes ready, translating each Emission into the concrete
// workunit.Unit it corresponds to.
func ingest(ctx context.Context, dom *domain.Domain, src upstream.Source, cfg *config.Config) error {
	cursor, _, err := dom.Cursor()
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	if _, _, err := src.Intersect(ctx, []chainpoint.Point{cursor}); err != nil {
		return fmt.Errorf("upstream intersect: %w", err)
	}

	buf := workbuffer.New(dom.Genesis, cfg.StopEpoch, cfg.BatchSize)
	genesisDone := !cursor.IsOrigin()
	decisions := epoch.DecisionTable(nil)
	exec := workunit.SyncExecutor{}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		blk, rollback, err := src.NextBlock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue // transient: NextBlock already logged and backed off
		}
		if rollback != nil {
			if err := dom.Rollback(*rollback); err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			continue
		}

		if !genesisDone {
			if err := buf.PushGenesis(*blk); err != nil {
				return fmt.Errorf("push genesis: %w", err)
			}
			genesisDone = true
		} else if err := buf.PushBlock(*blk); err != nil {
			return fmt.Errorf("push block: %w", err)
		}

		for {
			em, ok := buf.Pop()
			if !ok {
				break
			}
			u, err := toUnit(em, decisions)
			if err != nil {
				return err
			}
			if err := exec.Run(u, dom); err != nil {
				if errors.Is(err, domain.ErrForcedStop) {
					log.Printf("dolosd: forced stop epoch reached, shutting down cleanly")
					return nil
				}
				return fmt.Errorf("run %s unit: %w", em.Kind, err)
			}
		}
	}
}

// toUnit maps one WorkBuffer emission onto the concrete workunit.Unit
// that implements it.
func toUnit(em workbuffer.Emission, decisions epoch.DecisionTable) (workunit.Unit, error) {
	switch em.Kind {
	case workbuffer.KindGenesis:
		return &rollbatch.Unit{Blocks: em.Blocks, IsGenesis: true}, nil
	case workbuffer.KindRoll:
		return &rollbatch.Unit{Blocks: em.Blocks}, nil
	case workbuffer.KindRupd:
		return &epoch.Rupd{}, nil
	case workbuffer.KindEwrap:
		return epoch.NewEwrap(decisions), nil
	case workbuffer.KindEstart:
		return &epoch.Estart{}, nil
	case workbuffer.KindForcedStop:
		return &rollbatch.Unit{ForcedStop: true}, nil
	default:
		return nil, fmt.Errorf("dolosd: unknown emission kind %s", em.Kind)
	}
}
