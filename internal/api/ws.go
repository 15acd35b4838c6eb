package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cross-exchange-arbitrage/internal/core/model"
)

const (
	writeWait  = 5 * time.Second
	pushLevels = 10
	pushOpps   = 5
)

type bookView struct {
	Bids      []model.Level `json:"bids"`
	Asks      []model.Level `json:"asks"`
	Timestamp *time.Time    `json:"timestamp"`
}

func (s *Server) bookFrame() map[string]any {
	frame := make(map[string]any, len(s.deps.Exchanges)+1)
	for _, ex := range s.deps.Exchanges {
		v := bookView{Bids: []model.Level{}, Asks: []model.Level{}}
		if snap := s.deps.Books.GetLatest(ex); snap != nil {
			top := snap.Top(pushLevels)
			v.Bids, v.Asks = top.Bids, top.Asks
			ts := snap.CapturedAt
			v.Timestamp = &ts
		}
		frame[ex] = v
	}
	frame["timestamp"] = time.Now()
	return frame
}

// GET /ws/orderbook
func (s *Server) handleBookStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.bookInterval, func() any { return s.bookFrame() })
}

// GET /ws/opportunities
func (s *Server) handleOpportunityStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.oppInterval, func() any {
		return viewOpportunities(s.deps.Finder.FindOpportunities(), pushOpps)
	})
}

// stream 升级连接后按 interval 推送 frame()，直到客户端断开或服务关闭
func (s *Server) stream(w http.ResponseWriter, r *http.Request, interval time.Duration, frame func() any) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket 升级失败", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// 读循环只用于感知断开，客户端消息一律丢弃
	conn.SetReadLimit(4096)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame()); err != nil {
			s.logger.Debug("websocket 推送结束", zap.String("path", r.URL.Path), zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-t.C:
		}
	}
}
