package internal

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/node"
	"github.com/tuannm99/novatup/internal/tup"
	"github.com/tuannm99/novatup/internal/wal"
)

type NovaTupConfig struct {
	AppName string `mapstructure:"app_name"`

	Partition struct {
		Pages        uint32 `mapstructure:"pages"`
		OpRecords    int    `mapstructure:"op_records"`
		CopyWords    int    `mapstructure:"copy_words"`
		MaxTables    int    `mapstructure:"max_tables"`
		FragsPerNode int    `mapstructure:"frags_per_node"`
		InitialPages uint32 `mapstructure:"initial_pages"`
		PagesPerGrow uint32 `mapstructure:"pages_per_grow"`
		MaxBuilds    int    `mapstructure:"max_builds"`
		StepSlots    int    `mapstructure:"step_slots"`
	} `mapstructure:"partition"`

	Disk struct {
		Dir     string `mapstructure:"dir"`
		Frames  int    `mapstructure:"frames"`
		L2Bytes int64  `mapstructure:"l2_bytes"`
	} `mapstructure:"disk"`

	Undo struct {
		SpaceWords  int64 `mapstructure:"space_words"`
		BufferWords int   `mapstructure:"buffer_words"`
	} `mapstructure:"undo"`

	Node struct {
		Partitions int `mapstructure:"partitions"`
		PollBatch  int `mapstructure:"poll_batch"`
	} `mapstructure:"node"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "novatup")

	v.SetDefault("partition.pages", 1024)
	v.SetDefault("partition.op_records", 4096)
	v.SetDefault("partition.copy_words", 1<<18)
	v.SetDefault("partition.max_tables", 64)
	v.SetDefault("partition.frags_per_node", 4)
	v.SetDefault("partition.initial_pages", 4)
	v.SetDefault("partition.pages_per_grow", 4)
	v.SetDefault("partition.max_builds", 2)
	v.SetDefault("partition.step_slots", 64)

	v.SetDefault("disk.dir", "./data")
	v.SetDefault("disk.frames", 128)
	v.SetDefault("disk.l2_bytes", 0)

	v.SetDefault("undo.space_words", 1<<20)
	v.SetDefault("undo.buffer_words", 1<<14)

	v.SetDefault("node.partitions", 2)
	v.SetDefault("node.poll_batch", 16)

	v.SetDefault("log.level", "info")
}

// LoadConfig reads the yaml file at path on top of the defaults. An empty
// path uses defaults only. NOVATUP_* environment variables override both,
// e.g. NOVATUP_NODE_PARTITIONS.
func LoadConfig(path string) (*NovaTupConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("novatup")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg NovaTupConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Node.Partitions <= 0 {
		return nil, fmt.Errorf("config: node.partitions must be positive, got %d", cfg.Node.Partitions)
	}
	return &cfg, nil
}

// LogLevel parses log.level, falling back to info.
func (c *NovaTupConfig) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c *NovaTupConfig) NodeOptions() node.Options {
	p := c.Partition
	return node.Options{
		Dir:        c.Disk.Dir,
		Partitions: c.Node.Partitions,
		Frames:     c.Disk.Frames,
		L2Bytes:    c.Disk.L2Bytes,
		PollBatch:  c.Node.PollBatch,
		Tup: tup.Options{
			Pages:     p.Pages,
			OpRecords: p.OpRecords,
			CopyWords: p.CopyWords,
			MaxBuilds: p.MaxBuilds,
			StepSlots: p.StepSlots,
			Catalog: catalog.Options{
				MaxTables:    p.MaxTables,
				FragsPerNode: p.FragsPerNode,
				InitialPages: p.InitialPages,
				PagesPerGrow: p.PagesPerGrow,
			},
		},
		Undo: wal.Options{
			SpaceWords:  c.Undo.SpaceWords,
			BufferWords: c.Undo.BufferWords,
		},
	}
}
