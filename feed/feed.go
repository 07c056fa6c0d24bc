// Package feed 价格行情输入：定时轮询价格源，或从 WebSocket 读取推送。
package feed

import (
	"context"
	"time"
)

// Tick 一条价格行情
type Tick struct {
	TokenID string    `json:"tokenId"`
	Price   float64   `json:"price"`
	Time    time.Time `json:"time"`
}

// Handler 处理一条行情
type Handler func(ctx context.Context, tick Tick)

// Source 价格源
type Source interface {
	// Prices 返回给定 token 的最新价格；缺失的 token 不出现在结果中
	Prices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// StaticSource 固定价格表，用于演示与测试
type StaticSource map[string]float64

func (s StaticSource) Prices(_ context.Context, tokenIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(tokenIDs))
	for _, id := range tokenIDs {
		if p, ok := s[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
