package app

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

type envVars struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"dev"`

	Logdir  string `envconfig:"LOGDIR"  required:"true"`
	Archdir string `envconfig:"ARCHDIR" required:"true"`

	// PartitionSize is given in bytes and rounded down to a multiple of
	// BlockSize before use.
	PartitionSize uint64 `envconfig:"PARTITION_SIZE" default:"1073741824"`
	BlockSize     uint64 `envconfig:"BLOCK_SIZE"     default:"1048576"`

	Reformat            bool `envconfig:"REFORMAT"              default:"false"`
	DeleteOldPartitions bool `envconfig:"DELETE_OLD_PARTITIONS" default:"false"`
	MaxOpenFiles        int  `envconfig:"MAX_OPEN_FILES"        default:"20"`
}

func mustLoadEnv() envVars {
	// .env is optional; real environments set the variables directly
	_ = godotenv.Load()

	var env envVars
	if err := envconfig.Process("", &env); err != nil {
		panic(fmt.Sprintf("failed to load environment: %+v", err))
	}

	return env
}
