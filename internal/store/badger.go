package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"grid-tracker-go/grid"
)

const (
	gridPrefix       = "grid/"
	tradePrefix      = "trade/"
	tradeIndexPrefix = "tradeidx/"

	// 非 CAS 写操作遇到事务冲突时的重试次数
	badgerTxnRetries = 5
)

// Badger 嵌入式 KV 存储。网格以 JSON 存于 grid/<id>，
// 成交存于 trade/<len(gridId)>:<gridId>/<tradeId>，
// tradeidx/<tradeId> 记录成交所属的网格 ID。
type Badger struct {
	db   *badger.DB
	sink EventSink
	now  func() time.Time
}

// OpenBadger 打开 badger 目录；path 为空时使用内存模式
func OpenBadger(path string, sink EventSink) (*Badger, error) {
	var opts badger.Options
	if strings.TrimSpace(path) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	return &Badger{db: db, sink: sink, now: func() time.Time { return time.Now().UTC() }}, nil
}

func gridKey(id string) []byte { return []byte(gridPrefix + id) }

// tradeKeyPrefix 带长度前缀，任何网格的前缀都不会匹配到另一个网格的成交
func tradeKeyPrefix(gridID string) []byte {
	return []byte(tradePrefix + strconv.Itoa(len(gridID)) + ":" + gridID + "/")
}

func tradeKey(gridID, tradeID string) []byte {
	return append(tradeKeyPrefix(gridID), tradeID...)
}

func tradeIndexKey(tradeID string) []byte { return []byte(tradeIndexPrefix + tradeID) }

// retryConflict 对读后写事务在 ErrConflict 时重试
func (b *Badger) retryConflict(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerTxnRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readGrid(txn *badger.Txn, id string) (grid.Grid, error) {
	var g grid.Grid
	item, err := txn.Get(gridKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return g, grid.ErrNotFound
	}
	if err != nil {
		return g, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &g)
	})
	if err != nil {
		return g, fmt.Errorf("decode grid %s: %w", id, err)
	}
	if err := g.CheckInvariants(); err != nil {
		return g, fmt.Errorf("corrupt grid %s: %w", id, err)
	}
	return g, nil
}

func writeJSON(txn *badger.Txn, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func (b *Badger) Create(ctx context.Context, g *grid.Grid) error {
	if err := checkCreate(g); err != nil {
		return err
	}
	err := b.retryConflict(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(gridKey(g.ID))
		if err == nil {
			return grid.ErrDuplicateID
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeJSON(txn, gridKey(g.ID), g)
	})
	if err != nil {
		return err
	}
	emit(b.sink, "grid_created", map[string]interface{}{"grid_id": g.ID, "backend": DriverBadger})
	return nil
}

func (b *Badger) Get(ctx context.Context, id string) (*grid.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out grid.Grid
	err := b.db.View(func(txn *badger.Txn) error {
		g, err := readGrid(txn, id)
		out = g
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Badger) List(ctx context.Context, opts ListOptions) ([]*grid.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*grid.Grid
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(gridPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var g grid.Grid
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if matches(g, opts) {
				c := g
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return page(out, opts.Limit, opts.Offset), nil
}

func (b *Badger) Update(ctx context.Context, g *grid.Grid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var next grid.Grid
	err := b.db.Update(func(txn *badger.Txn) error {
		stored, err := readGrid(txn, g.ID)
		if err != nil {
			return err
		}
		if stored.Version != g.Version {
			return grid.ErrStaleVersion
		}
		next = applyMutable(stored, g, b.now())
		return writeJSON(txn, gridKey(g.ID), next)
	})
	// 并发事务在提交时冲突，等价于版本过期
	if errors.Is(err, badger.ErrConflict) {
		err = grid.ErrStaleVersion
	}
	if errors.Is(err, grid.ErrStaleVersion) {
		emit(b.sink, "update_conflict", map[string]interface{}{"grid_id": g.ID, "expected": g.Version})
	}
	if err != nil {
		return err
	}
	g.Version = next.Version
	g.UpdatedAt = next.UpdatedAt
	return nil
}

func (b *Badger) Delete(ctx context.Context, id string) error {
	err := b.retryConflict(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(gridKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return grid.ErrNotFound
			}
			return err
		}
		var keys [][]byte
		prefix := tradeKeyPrefix(id)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			keys = append(keys, key, tradeIndexKey(string(key[len(prefix):])))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(gridKey(id))
	})
	if err != nil {
		return err
	}
	emit(b.sink, "grid_deleted", map[string]interface{}{"grid_id": id, "backend": DriverBadger})
	return nil
}

func (b *Badger) SaveTrade(ctx context.Context, t *grid.Trade) error {
	return b.retryConflict(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(gridKey(t.GridID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return grid.ErrNotFound
			}
			return err
		}
		if _, err := txn.Get(tradeIndexKey(t.ID)); err == nil {
			return grid.ErrDuplicateID
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(tradeIndexKey(t.ID), []byte(t.GridID)); err != nil {
			return err
		}
		return writeJSON(txn, tradeKey(t.GridID, t.ID), t)
	})
}

func (b *Badger) Trades(ctx context.Context, gridID string, q TradeQuery) ([]grid.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := b.scanTrades(tradeKeyPrefix(gridID))
	if err != nil {
		return nil, err
	}
	sortTradesNewestFirst(out)
	return page(out, q.Limit, q.Offset), nil
}

func (b *Badger) scanTrades(prefix []byte) ([]grid.Trade, error) {
	out := []grid.Trade{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var t grid.Trade
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (b *Badger) TradeByID(ctx context.Context, id string) (*grid.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out grid.Trade
	err := b.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get(tradeIndexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return grid.ErrTradeNotFound
		}
		if err != nil {
			return err
		}
		gridID, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(tradeKey(string(gridID), id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return grid.ErrTradeNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentTrades 全量扫描成交后排序
func (b *Badger) RecentTrades(ctx context.Context, limit int) ([]grid.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := b.scanTrades([]byte(tradePrefix))
	if err != nil {
		return nil, err
	}
	sortTradesNewestFirst(out)
	return page(out, recentLimit(limit), 0), nil
}

func (b *Badger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(gridPrefix)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var g grid.Grid
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			st.add(g)
		}
		return nil
	})
	return st, err
}

func (b *Badger) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
