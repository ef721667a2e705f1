package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/marketfeed/internal/config"
	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/sirupsen/logrus"
)

// marketFeed is the part of feed.Client the supervisor drives.
type marketFeed interface {
	Connect(ctx context.Context) error
	Disconnect() error
	AddAsset(ctx context.Context, asset string) error
	WaitForBook(ctx context.Context, asset string) error
	InitAssetPrices(asset string, history []models.Candle, current models.Candle, since int64) error
	SetClockOffset(offset time.Duration)
	OnDisconnect(handler func())
	Pair(asset string) string
}

type marketHistory interface {
	ServerTime(ctx context.Context) (time.Time, error)
	OHLC(ctx context.Context, pair string, interval time.Duration, since int64) (*kraken.OHLCResult, error)
}

// supervisor reconnects the feed after every disconnect and re-adds every
// configured asset, since the feed itself never resubscribes.
type supervisor struct {
	feed     marketFeed
	history  marketHistory
	assets   []string
	interval time.Duration
	delay    time.Duration
	logger   *logrus.Logger

	disconnected chan struct{}
}

func newSupervisor(f marketFeed, h marketHistory, cfg *config.Config, logger *logrus.Logger) *supervisor {
	s := &supervisor{
		feed:         f,
		history:      h,
		assets:       cfg.Feed.Assets,
		interval:     cfg.Feed.CandleInterval,
		delay:        cfg.Feed.ReconnectDelay,
		logger:       logger,
		disconnected: make(chan struct{}, 1),
	}
	f.OnDisconnect(func() {
		select {
		case s.disconnected <- struct{}{}:
		default:
		}
	})
	return s
}

func (s *supervisor) run(ctx context.Context) {
	for {
		s.drain()

		if err := s.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("Feed session failed")
			if err := s.feed.Disconnect(); err != nil {
				s.logger.WithError(err).Debug("Error disconnecting after failed session")
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-s.disconnected:
			}
		}

		s.logger.WithField("delay", s.delay).Info("Reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.delay):
		}
	}
}

func (s *supervisor) drain() {
	select {
	case <-s.disconnected:
	default:
	}
}

// session connects, aligns the candle clock with the exchange and brings
// every asset up to date.
func (s *supervisor) session(ctx context.Context) error {
	// The offset has to be in place before Connect arms the candle timer.
	if err := s.syncClock(ctx); err != nil {
		s.logger.WithError(err).Warn("Clock sync failed, using local time")
	}

	if err := s.feed.Connect(ctx); err != nil {
		return err
	}

	for _, asset := range s.assets {
		if err := s.feed.AddAsset(ctx, asset); err != nil {
			return err
		}
		if err := s.initPrices(ctx, asset); err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.feed.WaitForBook(waitCtx, asset); err != nil {
			s.logger.WithError(err).WithField("asset", asset).Warn("No book snapshot yet")
		}
		cancel()
	}
	return nil
}

func (s *supervisor) syncClock(ctx context.Context) error {
	sent := time.Now()
	server, err := s.history.ServerTime(ctx)
	if err != nil {
		return err
	}
	received := time.Now()

	local := sent.Add(received.Sub(sent) / 2)
	offset := server.Sub(local)
	s.feed.SetClockOffset(offset)

	s.logger.WithField("offset", offset).Info("Clock synchronised with exchange")
	return nil
}

func (s *supervisor) initPrices(ctx context.Context, asset string) error {
	res, err := s.history.OHLC(ctx, s.feed.Pair(asset), s.interval, 0)
	if err != nil {
		return fmt.Errorf("fetch %s history: %w", asset, err)
	}
	return s.feed.InitAssetPrices(asset, res.History, res.Current, res.Last)
}
