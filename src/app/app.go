package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/LogArchive/src/archive"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/pkg/utils"
	"github.com/Blackdeer1524/LogArchive/src/wal"
)

// Entrypoint wires the log-archive core together from the environment:
// the partition storage, the archive index and per-caller consumers.
type Entrypoint struct {
	Env envVars

	instanceID uuid.UUID
	log        *zap.SugaredLogger

	storage *wal.Storage
	index   *archive.Index
}

func (e *Entrypoint) Init(_ context.Context) error {
	e.Env = mustLoadEnv()

	var log *zap.Logger
	if e.Env.Environment == EnvDev {
		log = utils.Must(zap.NewDevelopment())
	} else {
		log = utils.Must(zap.NewProduction())
	}

	e.instanceID = uuid.New()
	e.log = log.Sugar().With("instance", e.instanceID.String())

	storage, err := wal.OpenStorage(afero.NewOsFs(), wal.StorageOptions{
		Logdir:              e.Env.Logdir,
		Reformat:            e.Env.Reformat,
		DeleteOldPartitions: e.Env.DeleteOldPartitions,
		PartitionSize:       e.Env.PartitionSize,
		SegmentSize:         e.Env.BlockSize,
	}, e.log)
	if err != nil {
		return fmt.Errorf("open log storage: %w", err)
	}
	e.storage = storage

	index, err := archive.OpenIndex(archive.IndexOptions{
		Archdir:      e.Env.Archdir,
		Reformat:     e.Env.Reformat,
		MaxOpenFiles: e.Env.MaxOpenFiles,
	}, e.log)
	if err != nil {
		storage.Close()
		return fmt.Errorf("open archive index: %w", err)
	}
	e.index = index

	e.log.Infof("log-archive core is up: logdir=%s archdir=%s",
		e.Env.Logdir, e.Env.Archdir)

	return nil
}

func (e *Entrypoint) Storage() *wal.Storage { return e.storage }
func (e *Entrypoint) Index() *archive.Index { return e.index }
func (e *Entrypoint) Logger() common.Logger { return e.log }

// NewConsumer builds a record-at-a-time reader over the partitions,
// starting at startLSN.
func (e *Entrypoint) NewConsumer(startLSN common.LSN) *wal.Consumer {
	return wal.NewConsumer(startLSN, int(e.Env.BlockSize), e.storage, e.log)
}

// NewScan builds an archive scan over the run index.
func (e *Entrypoint) NewScan() *archive.Scan {
	return archive.NewScan(e.index)
}

func (e *Entrypoint) Close() error {
	if e.storage != nil {
		e.storage.Close()
	}
	if e.index != nil {
		e.index.Close()
	}

	if e.log != nil {
		if err := e.log.Sync(); err != nil {
			return err
		}
	}

	return nil
}
