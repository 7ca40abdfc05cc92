// Package kv 基于 BadgerDB 内存模式的会话存储后端
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"

	"github.com/dgraph-io/badger/v4"
)

// Badger 会话存储后端，数据只保存在进程内存中
type Badger struct {
	db *badger.DB
}

// badgerLogger 把 BadgerDB 的内部日志转接到项目日志
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// OpenInMemory 打开内存模式的 BadgerDB
func OpenInMemory(l logger.Logger) (*Badger, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1)
	if l != nil {
		opts = opts.WithLogger(&badgerLogger{log: l.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger in-memory: %w", err)
	}
	return &Badger{db: db}, nil
}

// Get 读取键值
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Set 写入键值
func (b *Badger) Set(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Remove 删除键值，键不存在时不报错
func (b *Badger) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close 关闭数据库
func (b *Badger) Close() error {
	return b.db.Close()
}
