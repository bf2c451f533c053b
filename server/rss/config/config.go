// Package config loads the TOML configuration keys ("log.ctl.<i>,
// log.groups.<i>.path, log.group.files, log.file.size,
// log.buffer.size, log.buffer.limit, log.flush.interval,
// log.archive.path, storage.basePath") into the structs the wal,
// storage and buffer packages consume. Modelled on conf.Cfg
// (pelletier/go-toml tree-walking accessors over a parsed document)
// rather than struct-tag unmarshalling, since these keys are dotted
// paths one level deeper than Go's default TOML section nesting would
// produce from a matching struct.
package config

import (
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/server/rss/wal"
)

// Config is the fully resolved, ready-to-use configuration for one
// database instance.
type Config struct {
	Log         wal.Config
	StorageBase string
	PageSize    int
	PoolPages   int
}

// defaults mirror wal.Config.withDefaults plus this package's own
// storage/buffer defaults, applied for any key the TOML document
// leaves unset.
func defaults() Config {
	return Config{
		PageSize:  8192,
		PoolPages: 256,
		Log: wal.Config{
			FilesPerGroup: 4,
			FileSize:      16 * 1024 * 1024,
			BufferSize:    1 << 20,
			MaxBuffers:    4096,
			FlushInterval: time.Second,
		},
	}
}

// Load parses a TOML document's bytes into Config.
func Load(data []byte) (Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return Config{}, errors.Wrap(errs.ErrCorrupt, "config: "+err.Error())
	}
	return fromTree(tree)
}

// LoadFile reads and parses a TOML configuration file.
func LoadFile(path string) (Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errs.ErrStorage, "config: "+err.Error())
	}
	return fromTree(tree)
}

func fromTree(tree *toml.Tree) (Config, error) {
	cfg := defaults()

	for i := 0; i < 3; i++ {
		if v, ok := tree.Get(keyIndex("log.ctl", i)).(string); ok {
			cfg.Log.CtlFiles = append(cfg.Log.CtlFiles, v)
		}
	}
	for i := 0; i < 3; i++ {
		if v, ok := tree.Get(keyIndex("log.groups", i) + ".path").(string); ok {
			cfg.Log.GroupPaths = append(cfg.Log.GroupPaths, v)
		}
	}
	if v, ok := asInt64(tree.Get("log.group.files")); ok {
		cfg.Log.FilesPerGroup = int(v)
	}
	if v, ok := asInt64(tree.Get("log.file.size")); ok {
		cfg.Log.FileSize = v
	}
	if v, ok := asInt64(tree.Get("log.buffer.size")); ok {
		cfg.Log.BufferSize = int(v)
	}
	if v, ok := asInt64(tree.Get("log.buffer.limit")); ok {
		cfg.Log.MaxBuffers = int(v)
	}
	if v, ok := asInt64(tree.Get("log.flush.interval")); ok {
		cfg.Log.FlushInterval = time.Duration(v) * time.Second
	}
	if v, ok := tree.Get("log.archive.path").(string); ok {
		cfg.Log.ArchivePath = v
	}
	if v, ok := tree.Get("storage.basePath").(string); ok {
		cfg.StorageBase = v
	}
	if v, ok := asInt64(tree.Get("storage.pageSize")); ok {
		cfg.PageSize = int(v)
	}
	if v, ok := asInt64(tree.Get("storage.poolPages")); ok {
		cfg.PoolPages = int(v)
	}

	if len(cfg.Log.CtlFiles) == 0 || len(cfg.Log.GroupPaths) == 0 || cfg.StorageBase == "" {
		return Config{}, errors.Wrap(errs.ErrInvalidState, "config: log.ctl, log.groups and storage.basePath are required")
	}
	return cfg, nil
}

func keyIndex(prefix string, i int) string {
	return prefix + "." + string(rune('0'+i))
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
