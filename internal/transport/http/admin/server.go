// Package adminhttp exposes the operator API: exchange capability and
// credential management, manual trading overrides and history queries.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"carrybot/internal/credential"
	"carrybot/internal/exchange"
	"carrybot/internal/exchange/factory"
	"carrybot/internal/logger"
	"carrybot/internal/store/gormstore"
)

// Trader is the engine surface the API drives manually.
type Trader interface {
	RunCycle(ctx context.Context) error
	CloseAll(ctx context.Context, userID, exchangeName, symbol string) error
}

// ClientFactory builds a venue adapter, injectable for tests.
type ClientFactory func(name string, creds exchange.Credentials) (exchange.Client, error)

// ServerConfig describes the admin server dependencies.
type ServerConfig struct {
	Addr        string
	Credentials *credential.Store
	History     *gormstore.Store
	Trader      Trader
	NewClient   ClientFactory
}

// Server serves the /api admin surface.
type Server struct {
	addr   string
	router *gin.Engine

	creds     *credential.Store
	history   *gormstore.Store
	trader    Trader
	newClient ClientFactory
}

// NewServer builds the admin HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Credentials == nil || cfg.History == nil || cfg.Trader == nil {
		return nil, errors.New("admin http server 依赖不完整")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.NewClient == nil {
		cfg.NewClient = factory.New
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:      cfg.Addr,
		router:    router,
		creds:     cfg.Credentials,
		history:   cfg.History,
		trader:    cfg.Trader,
		newClient: cfg.NewClient,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	{
		api.GET("/exchanges", s.handleListExchanges)
		api.POST("/exchanges/:id/test", s.handleTestExchange)
		api.POST("/credentials", s.handleSaveCredential)
		api.DELETE("/credentials/:exchange", s.handleDeleteCredential)
		api.POST("/trading/run", s.handleRunCycle)
		api.POST("/trading/close-all", s.handleCloseAll)
		api.GET("/trades", s.handleRecentTrades)
		api.GET("/logs", s.handleRecentLogs)
	}
	return s, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type exchangeStatus struct {
	factory.Capability
	HasCredential bool       `json:"has_credential"`
	IsValid       bool       `json:"is_valid"`
	IsTestnet     bool       `json:"is_testnet"`
	LastValidated *time.Time `json:"last_validated,omitempty"`
}

// handleListExchanges returns the capability table. With ?user= it also
// reports that user's stored credential status per venue.
func (s *Server) handleListExchanges(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user"))
	byExchange := map[string]*credential.Record{}
	if userID != "" {
		records, err := s.creds.ListByUser(c.Request.Context(), userID)
		if err != nil {
			logger.Errorf("[api] 查询用户凭证失败 user=%s err=%v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, rec := range records {
			byExchange[rec.Exchange] = rec
		}
	}

	caps := factory.ListSupported(false)
	statuses := make([]exchangeStatus, 0, len(caps))
	for _, capRow := range caps {
		st := exchangeStatus{Capability: capRow}
		if rec, ok := byExchange[capRow.ID]; ok {
			st.HasCredential = true
			st.IsValid = rec.IsValid
			st.IsTestnet = rec.IsTestnet
			st.LastValidated = rec.LastValidated
		}
		statuses = append(statuses, st)
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": statuses})
}

type testExchangeRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// handleTestExchange runs a connection test against a stored credential
// and updates its validity.
func (s *Server) handleTestExchange(c *gin.Context) {
	name := factory.Normalize(c.Param("id"))
	if !factory.IsSupported(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "不支持的交易所: " + name})
		return
	}
	var req testExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	rec, err := s.creds.Get(ctx, req.UserID, name)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "凭证不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	client, err := s.newClient(name, rec.Credentials())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.TestConnection(testCtx); err != nil {
		logger.Warnf("[api] 连接测试失败 user=%s exchange=%s err=%v", req.UserID, name, err)
		if exchange.IsAuthError(err) {
			if ivErr := s.creds.Invalidate(ctx, req.UserID, name); ivErr != nil {
				logger.Errorf("[api] 凭证失效标记失败 user=%s exchange=%s: %v", req.UserID, name, ivErr)
			}
		}
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err := s.creds.MarkValidated(ctx, req.UserID, name); err != nil {
		logger.Warnf("[api] 凭证校验时间更新失败 user=%s exchange=%s: %v", req.UserID, name, err)
	}
	logger.Infof("[api] 连接测试通过 user=%s exchange=%s", req.UserID, name)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type saveCredentialRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	Exchange      string `json:"exchange" binding:"required"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	Passphrase    string `json:"passphrase"`
	WalletAddress string `json:"wallet_address"`
	Testnet       bool   `json:"testnet"`
}

// handleSaveCredential registers or replaces a credential. Secrets are
// accepted here once and never echoed back.
func (s *Server) handleSaveCredential(c *gin.Context) {
	var req saveCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := factory.Normalize(req.Exchange)
	if !factory.IsSupported(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的交易所: " + req.Exchange})
		return
	}
	rec := &credential.Record{
		UserID:        req.UserID,
		Exchange:      name,
		APIKey:        req.APIKey,
		APISecret:     req.APISecret,
		Passphrase:    req.Passphrase,
		WalletAddress: req.WalletAddress,
		IsTestnet:     req.Testnet,
	}
	if err := s.creds.Save(c.Request.Context(), rec); err != nil {
		logger.Errorf("[api] 凭证保存失败 user=%s exchange=%s: %v", req.UserID, name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] 凭证已保存 user=%s exchange=%s testnet=%v", req.UserID, name, req.Testnet)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "exchange": name})
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	name := factory.Normalize(c.Param("exchange"))
	userID := strings.TrimSpace(c.Query("user"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user 参数必填"})
		return
	}
	if err := s.creds.Delete(c.Request.Context(), userID, name); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "凭证不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] 凭证已删除 user=%s exchange=%s", userID, name)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRunCycle fires one trading cycle outside the funding grid.
func (s *Server) handleRunCycle(c *gin.Context) {
	logger.Infof("[api] 手动触发交易周期 ip=%s", c.ClientIP())
	if err := s.trader.RunCycle(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type closeAllRequest struct {
	UserID   string `json:"user_id"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// handleCloseAll flattens positions, optionally narrowed to one user,
// venue or symbol.
func (s *Server) handleCloseAll(c *gin.Context) {
	var req closeAllRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Exchange != "" {
		req.Exchange = factory.Normalize(req.Exchange)
	}
	logger.Infof("[api] 手动全平 ip=%s user=%s exchange=%s symbol=%s",
		c.ClientIP(), req.UserID, req.Exchange, req.Symbol)
	if err := s.trader.CloseAll(c.Request.Context(), req.UserID, req.Exchange, req.Symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.history.RecentTrades(c.Request.Context(), c.Query("user"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleRecentLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	logs, err := s.history.RecentLogs(c.Request.Context(), c.Query("scope"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
