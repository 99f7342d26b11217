// Package trading runs the funding-rate carry cycle: at every funding
// settlement it sizes the whole available balance into a one-lever
// position whose direction earns (never pays) the next funding payment.
package trading

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"carrybot/internal/credential"
	"carrybot/internal/exchange"
	"carrybot/internal/logger"
	"carrybot/internal/store/gormstore"
	"carrybot/internal/users"
)

// CredentialSource is the slice of the credential store the engine needs.
type CredentialSource interface {
	ListValid(ctx context.Context) ([]*credential.Record, error)
	Invalidate(ctx context.Context, userID, exchangeName string) error
	MarkValidated(ctx context.Context, userID, exchangeName string) error
}

// Roster resolves user ids to their traded-coin configuration.
type Roster interface {
	Get(id string) (users.User, bool)
}

// Recorder is the slice of the history store the engine writes.
type Recorder interface {
	RecordTrade(ctx context.Context, trade *gormstore.TradeHistory) error
	RecordAsset(ctx context.Context, snapshot *gormstore.AssetHistory) error
	RecordLog(ctx context.Context, entry *gormstore.SystemLog) error
}

// ClientFactory builds a venue adapter from stored credentials.
type ClientFactory func(name string, creds exchange.Credentials) (exchange.Client, error)

// Engine drives trading cycles over every valid credential.
type Engine struct {
	creds       CredentialSource
	roster      Roster
	recorder    Recorder
	newClient   ClientFactory
	parallelism int
}

// NewEngine wires an engine. Parallelism bounds how many (user, exchange)
// units run concurrently in one cycle.
func NewEngine(creds CredentialSource, roster Roster, recorder Recorder, factory ClientFactory, parallelism int) *Engine {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Engine{
		creds:       creds,
		roster:      roster,
		recorder:    recorder,
		newClient:   factory,
		parallelism: parallelism,
	}
}

// DecideSide picks the funding-earning direction: shorts collect when the
// rate is positive or zero, longs collect when it is negative.
func DecideSide(rate decimal.Decimal) exchange.Side {
	if rate.IsNegative() {
		return exchange.Buy
	}
	return exchange.Sell
}

// PositionSize converts the available balance into an order quantity at
// the current price, floored to whole units.
func PositionSize(available, price decimal.Decimal) decimal.Decimal {
	return available.Mul(price).Floor()
}

// RunCycle executes one full trading pass. Failures are isolated per
// (user, exchange, coin) unit: one broken account never blocks the rest,
// so the cycle itself only errors when the credential list is unreadable.
func (e *Engine) RunCycle(ctx context.Context) error {
	records, err := e.creds.ListValid(ctx)
	if err != nil {
		return fmt.Errorf("读取有效凭证失败: %w", err)
	}
	logger.Infof("交易周期开始, 共 %d 个凭证", len(records))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			e.runAccount(ctx, rec)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) runAccount(ctx context.Context, rec *credential.Record) {
	user, ok := e.roster.Get(rec.UserID)
	if !ok || !user.Enabled {
		return
	}
	client, err := e.newClient(rec.Exchange, rec.Credentials())
	if err != nil {
		e.logUnitError(ctx, rec, "", fmt.Errorf("构建交易所客户端失败: %w", err))
		return
	}
	for _, coin := range user.Coins {
		if err := e.runUnit(ctx, client, rec, coin); err != nil {
			e.logUnitError(ctx, rec, coin, err)
			if exchange.IsAuthError(err) {
				if ivErr := e.creds.Invalidate(ctx, rec.UserID, rec.Exchange); ivErr != nil {
					logger.Errorf("凭证失效标记失败 user=%s exchange=%s: %v", rec.UserID, rec.Exchange, ivErr)
				}
				return
			}
		}
	}
}

func (e *Engine) runUnit(ctx context.Context, client exchange.Client, rec *credential.Record, coin string) error {
	balance, err := client.GetWalletBalance(ctx, coin)
	if err != nil {
		return err
	}
	if !balance.Available.IsPositive() {
		logger.Debugf("跳过 user=%s exchange=%s coin=%s: 可用余额为零", rec.UserID, rec.Exchange, coin)
		return nil
	}

	if err := client.SetLeverage(ctx, coin, 1); err != nil {
		// A leverage that is already 1 is good enough to continue on.
		logger.Warnf("设置杠杆失败 user=%s exchange=%s coin=%s: %v", rec.UserID, rec.Exchange, coin, err)
	}

	ticker, err := client.GetTicker(ctx, coin)
	if err != nil {
		return err
	}
	qty := PositionSize(balance.Available, ticker.LastPrice)
	if qty.LessThan(decimal.New(1, 0)) {
		logger.Debugf("跳过 user=%s exchange=%s coin=%s: 仓位规模不足一张", rec.UserID, rec.Exchange, coin)
		return nil
	}

	funding, err := client.GetFundingRate(ctx, coin)
	if err != nil {
		return err
	}
	side := DecideSide(funding.Rate)

	positions, err := client.GetPositions(ctx, coin)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Side == side {
			// Already positioned on the earning side; no pyramiding.
			logger.Infof("保留持仓 user=%s exchange=%s coin=%s side=%s", rec.UserID, rec.Exchange, coin, side)
			return nil
		}
	}
	if len(positions) > 0 {
		// Funding flipped: flatten before opening the other way.
		if _, err := client.CloseAllPositions(ctx, coin); err != nil {
			return err
		}
	}

	result, err := client.PlaceMarketOrder(ctx, coin, side, qty)
	if err != nil {
		return err
	}
	if err := e.creds.MarkValidated(ctx, rec.UserID, rec.Exchange); err != nil {
		logger.Warnf("凭证校验时间更新失败 user=%s exchange=%s: %v", rec.UserID, rec.Exchange, err)
	}

	detail, _ := json.Marshal(map[string]string{
		"fundingRate": funding.Rate.String(),
		"available":   balance.Available.String(),
		"lastPrice":   ticker.LastPrice.String(),
	})
	trade := &gormstore.TradeHistory{
		UserID:      rec.UserID,
		Exchange:    rec.Exchange,
		Symbol:      result.Symbol,
		Side:        string(result.Side),
		Qty:         result.Qty.String(),
		Price:       ticker.LastPrice.String(),
		OrderID:     result.OrderID,
		Status:      string(result.Status),
		FundingRate: funding.Rate.String(),
		Detail:      datatypes.JSON(detail),
	}
	if err := e.recorder.RecordTrade(ctx, trade); err != nil {
		logger.Errorf("交易记录写入失败 user=%s exchange=%s: %v", rec.UserID, rec.Exchange, err)
	}
	logger.Infof("下单完成 user=%s exchange=%s coin=%s side=%s qty=%s order=%s",
		rec.UserID, rec.Exchange, coin, side, qty, result.OrderID)
	return nil
}

func (e *Engine) logUnitError(ctx context.Context, rec *credential.Record, coin string, err error) {
	logger.Errorf("交易单元失败 user=%s exchange=%s coin=%s: %v", rec.UserID, rec.Exchange, coin, err)
	detail, _ := json.Marshal(map[string]string{
		"user":     rec.UserID,
		"exchange": rec.Exchange,
		"coin":     coin,
	})
	entry := &gormstore.SystemLog{
		Level:   "error",
		Scope:   "trading",
		Message: err.Error(),
		Detail:  datatypes.JSON(detail),
	}
	if logErr := e.recorder.RecordLog(ctx, entry); logErr != nil {
		logger.Errorf("系统日志写入失败: %v", logErr)
	}
}

// CloseAll flattens positions across valid credentials, the manual
// override for emergencies. Empty filter values match everything, so
// CloseAll(ctx, "", "", "") flattens the whole book. The first error per
// account is collected but remaining accounts still run.
func (e *Engine) CloseAll(ctx context.Context, userID, exchangeName, symbol string) error {
	records, err := e.creds.ListValid(ctx)
	if err != nil {
		return fmt.Errorf("读取有效凭证失败: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, rec := range records {
		rec := rec
		if userID != "" && rec.UserID != userID {
			continue
		}
		if exchangeName != "" && rec.Exchange != exchangeName {
			continue
		}
		g.Go(func() error {
			client, err := e.newClient(rec.Exchange, rec.Credentials())
			if err != nil {
				e.logUnitError(ctx, rec, "", err)
				return nil
			}
			if _, err := client.CloseAllPositions(ctx, symbol); err != nil {
				e.logUnitError(ctx, rec, symbol, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecordAssetSnapshots captures the hourly equity point for every valid
// credential and traded coin.
func (e *Engine) RecordAssetSnapshots(ctx context.Context) error {
	records, err := e.creds.ListValid(ctx)
	if err != nil {
		return fmt.Errorf("读取有效凭证失败: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			user, ok := e.roster.Get(rec.UserID)
			if !ok || !user.Enabled {
				return nil
			}
			client, err := e.newClient(rec.Exchange, rec.Credentials())
			if err != nil {
				e.logUnitError(ctx, rec, "", err)
				return nil
			}
			for _, coin := range user.Coins {
				balance, err := client.GetWalletBalance(ctx, coin)
				if err != nil {
					e.logUnitError(ctx, rec, coin, err)
					continue
				}
				snapshot := &gormstore.AssetHistory{
					UserID:    rec.UserID,
					Exchange:  rec.Exchange,
					Coin:      balance.Coin,
					Equity:    balance.Equity.String(),
					Available: balance.Available.String(),
				}
				if err := e.recorder.RecordAsset(ctx, snapshot); err != nil {
					logger.Errorf("资产快照写入失败 user=%s exchange=%s: %v", rec.UserID, rec.Exchange, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
