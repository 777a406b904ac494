package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"twapguard/internal/config"
	"twapguard/internal/fetcher"
	"twapguard/internal/reclaim"
	"twapguard/internal/storage"
	"twapguard/internal/twap"
)

const defaultCommitLimit = 50

// Server exposes read-only pricing queries over HTTP.
type Server struct {
	store    storage.PairStore
	decimals map[string]int32
	logger   zerolog.Logger
}

// New builds an API server. Prices of pairs missing from pairs render with zero decimals.
func New(store storage.PairStore, pairs []config.PairConfig, logger zerolog.Logger) *Server {
	decimals := make(map[string]int32, len(pairs))
	for _, p := range pairs {
		decimals[p.ID] = p.PriceDecimals
	}
	return &Server{store: store, decimals: decimals, logger: logger.With().Str("component", "api").Logger()}
}

// Router wires the gin routes.
func (s *Server) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	v1.GET("/pairs", s.handlePairsList)
	pair := v1.Group("/pairs/:id")
	pair.GET("", s.handlePairGet)
	pair.GET("/twap", s.handleTWAP)
	pair.GET("/vwap", s.handleVWAP)
	pair.GET("/stats", s.handleStats)
	pair.GET("/buyback", s.handleBuyback)
	pair.GET("/commits", s.handleCommits)
	pair.POST("/reclaim-quote", s.handleReclaimQuote)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("request served")
	}
}

type amountJSON struct {
	Value   string `json:"value"`
	Decimal string `json:"decimal"`
}

type pairSummaryJSON struct {
	ID             string      `json:"id"`
	Base           string      `json:"base"`
	Quote          string      `json:"quote"`
	BucketCount    uint32      `json:"bucket_count"`
	CurrentIndex   uint32      `json:"current_index"`
	TotalVolume    uint64      `json:"total_volume"`
	Accumulator    uint64      `json:"volume_accumulator"`
	LastPrice      *amountJSON `json:"last_price,omitempty"`
	LastUpdateTick uint64      `json:"last_update_tick"`
	Commits        uint64      `json:"commits"`
	Cursor         uint64      `json:"cursor"`
}

type bucketJSON struct {
	Index     uint32     `json:"index"`
	Price     amountJSON `json:"price"`
	Volume    uint64     `json:"volume"`
	Timestamp uint64     `json:"timestamp"`
}

type pairDetailJSON struct {
	pairSummaryJSON
	Policy  twap.Policy  `json:"policy"`
	Buckets []bucketJSON `json:"buckets"`
}

func (s *Server) render(id string, v *uint256.Int) amountJSON {
	return amountJSON{Value: v.Dec(), Decimal: fetcher.DecimalPrice(v, s.decimals[id]).String()}
}

func (s *Server) renderAggregate(id string, a twap.Aggregate) *amountJSON {
	v, ok := a.Value()
	if !ok {
		return nil
	}
	out := s.render(id, &v)
	return &out
}

func (s *Server) summary(p storage.Pair) pairSummaryJSON {
	out := pairSummaryJSON{
		ID:             p.ID,
		Base:           p.Store.Base(),
		Quote:          p.Store.Quote(),
		BucketCount:    p.Store.BucketCount(),
		CurrentIndex:   p.Store.CurrentIndex(),
		TotalVolume:    p.Store.TotalVolume(),
		Accumulator:    p.Store.VolumeAccumulator(),
		LastUpdateTick: p.Policy.LastUpdateTick,
		Commits:        p.Commits,
		Cursor:         p.Cursor,
	}
	if last := p.Store.LastCommittedPrice(); !last.IsZero() {
		rendered := s.render(p.ID, &last)
		out.LastPrice = &rendered
	}
	return out
}

func (s *Server) handlePairsList(c *gin.Context) {
	pairs, err := s.store.ListPairs(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]pairSummaryJSON, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, s.summary(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePairGet(c *gin.Context) {
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	detail := pairDetailJSON{pairSummaryJSON: s.summary(p), Policy: p.Policy}
	for i, b := range p.Store.Buckets() {
		detail.Buckets = append(detail.Buckets, bucketJSON{
			Index:     uint32(i),
			Price:     s.render(p.ID, &b.Price),
			Volume:    b.Volume,
			Timestamp: b.Timestamp,
		})
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleTWAP(c *gin.Context) {
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	agg, err := p.Store.TWAP()
	s.writeAggregate(c, p.ID, "twap", agg, err)
}

func (s *Server) handleVWAP(c *gin.Context) {
	raw, explicit := c.GetQuery("window")
	var window uint64
	if explicit {
		var err error
		if window, err = strconv.ParseUint(raw, 10, 32); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "window must be an unsigned 32-bit integer"})
			return
		}
	}
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	if !explicit {
		window = uint64(p.Store.BucketCount())
	}
	agg, err := p.Store.VWAP(uint32(window))
	s.writeAggregate(c, p.ID, "vwap", agg, err)
}

func (s *Server) handleBuyback(c *gin.Context) {
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	agg, err := twap.QueryBuybackPrice(p.Store, &p.Policy)
	s.writeAggregate(c, p.ID, "buyback_price", agg, err)
}

func (s *Server) handleStats(c *gin.Context) {
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	stats := p.Store.Stats()
	if stats.Count == 0 {
		s.writeError(c, twap.ErrNoAggregateAvailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pair":   p.ID,
		"count":  stats.Count,
		"min":    s.renderAggregate(p.ID, stats.Min),
		"max":    s.renderAggregate(p.ID, stats.Max),
		"median": s.renderAggregate(p.ID, stats.Median),
	})
}

type commitJSON struct {
	Seq         uint64      `json:"seq"`
	Tick        uint64      `json:"tick"`
	BucketIndex uint32      `json:"bucket_index"`
	Price       amountJSON  `json:"price"`
	Volume      uint64      `json:"volume"`
	TWAP        *amountJSON `json:"twap,omitempty"`
	Advanced    bool        `json:"advanced"`
	Emergency   bool        `json:"emergency"`
}

func (s *Server) handleCommits(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultCommitLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "limit must be a positive integer"})
		return
	}
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	id := p.ID
	commits, err := s.store.ListRecentCommits(c.Request.Context(), id, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]commitJSON, 0, len(commits))
	for _, cm := range commits {
		out = append(out, commitJSON{
			Seq:         cm.Seq,
			Tick:        cm.Tick,
			BucketIndex: cm.BucketIndex,
			Price:       s.render(id, &cm.Price),
			Volume:      cm.Volume,
			TWAP:        s.renderAggregate(id, cm.TWAP),
			Advanced:    cm.Advanced,
			Emergency:   cm.Emergency,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReclaimQuote(c *gin.Context) {
	var req reclaim.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	p, ok := s.loadPair(c)
	if !ok {
		return
	}
	quote, err := reclaim.Quote(&p.Policy, p.Store, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pair":        p.ID,
		"amount":      quote.Amount,
		"outstanding": quote.Outstanding,
		"twap":        s.render(p.ID, &quote.TWAP),
		"unit_price":  s.render(p.ID, &quote.UnitPrice),
		"cost":        s.render(p.ID, &quote.Cost),
	})
}

func (s *Server) loadPair(c *gin.Context) (storage.Pair, bool) {
	p, err := s.store.LoadPair(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return storage.Pair{}, false
	}
	return p, true
}

func (s *Server) writeAggregate(c *gin.Context, id, name string, agg twap.Aggregate, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	rendered := s.renderAggregate(id, agg)
	if rendered == nil {
		s.writeError(c, twap.ErrNoAggregateAvailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair": id, name: rendered})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrPairNotFound), errors.Is(err, twap.ErrNoAggregateAvailable):
		status = http.StatusNotFound
	case errors.Is(err, twap.ErrExceedsMaxBuybackAmount),
		errors.Is(err, reclaim.ErrInsufficientHolding),
		errors.Is(err, reclaim.ErrInvalidRequest),
		errors.Is(err, twap.ErrInvalidPolicy):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
