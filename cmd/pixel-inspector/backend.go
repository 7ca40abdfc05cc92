package main

import (
	"fmt"

	"github.com/vanhao1997/unified-pixel-inspector/internal/config"
	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/storage/db"
	"github.com/vanhao1997/unified-pixel-inspector/internal/storage/kv"
	"github.com/vanhao1997/unified-pixel-inspector/internal/storage/model"
	"github.com/vanhao1997/unified-pixel-inspector/internal/storage/repo"
	"github.com/vanhao1997/unified-pixel-inspector/internal/store"
)

// openBackend 按配置打开会话存储后端，返回的 close 在退出时释放资源
func openBackend(cfg config.StorageConfig, l logger.Logger) (store.Backend, func() error, error) {
	switch cfg.Driver {
	case "memory", "":
		return store.NewMemory(), func() error { return nil }, nil

	case "sqlite":
		gdb, err := db.New(db.Options{
			Name:   cfg.Sqlite.Db,
			Prefix: cfg.Sqlite.Prefix,
			Logger: db.NewLogger(l),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// 会话只在本次运行内有效，启动时清空上次遗留的记录
		if err := db.Reset(gdb, &model.SessionRecord{}); err != nil {
			_ = db.Close(gdb)
			return nil, nil, fmt.Errorf("reset sqlite: %w", err)
		}
		return repo.NewSessionRepo(gdb), func() error { return db.Close(gdb) }, nil

	case "badger":
		b, err := kv.OpenInMemory(l)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
