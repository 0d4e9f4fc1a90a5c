package interaction

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultWindow = 30 * 24 * time.Hour

// Stats summarizes history rows inside the window.
type Stats struct {
	Total     int            `json:"total"`
	Sent      int            `json:"sent"`
	Read      int            `json:"read"`
	ClickRate string         `json:"click_rate"`
	ByType    map[string]int `json:"by_type"`
}

type Analytics struct {
	store  Store
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewAnalytics aggregates over the trailing window; zero means DefaultWindow.
func NewAnalytics(store Store, window time.Duration, logger *zap.Logger) *Analytics {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Analytics{store: store, window: window, logger: logger, now: time.Now}
}

// Stats aggregates all users, or one when userID is non-nil.
func (a *Analytics) Stats(ctx context.Context, userID *uuid.UUID) (*Stats, error) {
	since := a.now().Add(-a.window)

	counts, err := a.store.HistoryTypeCounts(ctx, since, userID)
	if err != nil {
		return nil, fmt.Errorf("aggregate history: %w", err)
	}

	s := &Stats{ByType: make(map[string]int, len(counts))}
	for _, c := range counts {
		s.Total += c.Total
		s.Sent += c.Sent
		s.Read += c.Read
		s.ByType[c.NotificationType] += c.Total
	}
	s.ClickRate = ClickRate(s.Read, s.Sent)
	return s, nil
}

// ClickRate is read/sent as a percentage with one decimal, or "0" when nothing was sent.
func ClickRate(read, sent int) string {
	if sent == 0 {
		return "0"
	}
	pct := math.Round(float64(read)/float64(sent)*1000) / 10
	return strconv.FormatFloat(pct, 'f', 1, 64)
}
