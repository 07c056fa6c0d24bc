package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"grid-tracker-go/feed"
	"grid-tracker-go/grid"
	"grid-tracker-go/internal/store"
)

// writeError 按错误类型映射状态码
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		ve       *grid.ValidationError
		conflict *grid.ConflictError
		status   int
		detail   ErrorDetail
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		detail = ErrorDetail{Code: "VALIDATION_ERROR", Message: err.Error(),
			Details: map[string]interface{}{"field": ve.Field}}
	case grid.IsValidation(err):
		status = http.StatusBadRequest
		detail = ErrorDetail{Code: "VALIDATION_ERROR", Message: err.Error()}
	case errors.Is(err, grid.ErrNotFound):
		status = http.StatusNotFound
		detail = ErrorDetail{Code: "NOT_FOUND", Message: err.Error()}
	case errors.As(err, &conflict):
		status = http.StatusConflict
		detail = ErrorDetail{Code: "CONFLICT", Message: err.Error(),
			Details: map[string]interface{}{"attempts": conflict.Attempts}}
	case errors.Is(err, grid.ErrDuplicateID):
		status = http.StatusConflict
		detail = ErrorDetail{Code: "DUPLICATE", Message: err.Error()}
	default:
		status = http.StatusInternalServerError
		detail = ErrorDetail{Code: "INTERNAL_ERROR", Message: err.Error()}
		s.log.LogError(err, map[string]interface{}{"path": c.FullPath()})
	}
	c.JSON(status, ErrorResponse{Error: detail})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{Code: "INVALID_REQUEST", Message: msg},
	})
}

// createGrid handles POST /api/v1/grids
func (s *Server) createGrid(c *gin.Context) {
	var req CreateGridRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	count, err := grid.GridCountFromFloat(req.GridCount)
	if err != nil {
		s.writeError(c, &grid.ValidationError{Field: "gridCount",
			Reason: fmt.Sprintf("must be an integer in [%d, %d]", grid.MinGridCount, grid.MaxGridCount), Err: err})
		return
	}
	g, err := s.svc.CreateGrid(c.Request.Context(), grid.Config{
		SourceTokenID:    strings.TrimSpace(req.SourceTokenID),
		TargetTokenID:    strings.TrimSpace(req.TargetTokenID),
		UpperLimit:       req.UpperLimit,
		LowerLimit:       req.LowerLimit,
		GridCount:        count,
		QuantityInvested: req.QuantityInvested,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// listGrids handles GET /api/v1/grids?active=&token=&limit=&offset=
func (s *Server) listGrids(c *gin.Context) {
	var opts store.ListOptions
	if v := c.Query("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "active must be a boolean")
			return
		}
		opts.Active = &b
	}
	opts.TargetTokenID = c.Query("token")
	var err error
	if opts.Limit, opts.Offset, err = paging(c); err != nil {
		badRequest(c, err.Error())
		return
	}
	grids, err := s.svc.List(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	limit := opts.Limit
	if limit == 0 {
		limit = store.DefaultListLimit
	}
	c.JSON(http.StatusOK, ListResponse{Grids: grids, Limit: limit, Offset: opts.Offset})
}

func (s *Server) getGrid(c *gin.Context) {
	g, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) deleteGrid(c *gin.Context) {
	if err := s.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		g, err := s.svc.SetActive(c.Request.Context(), c.Param("id"), active)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, g)
	}
}

// applyPrice handles POST /api/v1/grids/:id/price
func (s *Server) applyPrice(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Price == nil {
		badRequest(c, "price is required")
		return
	}
	g, err := s.svc.ApplyPrice(c.Request.Context(), c.Param("id"), *req.Price)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// postTick handles POST /api/v1/ticks，把行情应用到所有匹配的启用网格
func (s *Server) postTick(c *gin.Context) {
	var tick feed.Tick
	if err := c.ShouldBindJSON(&tick); err != nil {
		badRequest(c, err.Error())
		return
	}
	if tick.TokenID == "" || tick.Price <= 0 {
		badRequest(c, "tokenId and a positive price are required")
		return
	}
	n, err := s.svc.HandleTick(c.Request.Context(), tick)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// recordTrade handles POST /api/v1/grids/:id/trades
func (s *Server) recordTrade(c *gin.Context) {
	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	side, ok := grid.ParseSide(req.Side)
	if !ok {
		s.writeError(c, &grid.ValidationError{Field: "side", Reason: "must be BUY or SELL"})
		return
	}
	if req.GridLevel == nil {
		s.writeError(c, &grid.ValidationError{Field: "gridLevel", Reason: "is required"})
		return
	}
	tr, g, err := s.svc.RecordTrade(c.Request.Context(), grid.Trade{
		GridID:          c.Param("id"),
		Side:            side,
		InputToken:      req.InputToken,
		OutputToken:     req.OutputToken,
		InputAmount:     req.InputAmount,
		OutputAmount:    req.OutputAmount,
		GridLevel:       *req.GridLevel,
		ExecutedAt:      req.ExecutedAt,
		TransactionHash: req.TransactionHash,
		Profit:          req.Profit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, TradeResponse{Trade: *tr, Grid: g})
}

func (s *Server) listTrades(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	trades, err := s.svc.Trades(c.Request.Context(), c.Param("id"), store.TradeQuery{Limit: limit, Offset: offset})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) summary(c *gin.Context) {
	sum, err := s.svc.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) analysis(c *gin.Context) {
	r, err := s.svc.Analysis(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// stats handles GET /api/v1/stats
func (s *Server) stats(c *gin.Context) {
	st, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// recentTrades handles GET /api/v1/trades/recent?limit=，limit 超过上限时截断
func (s *Server) recentTrades(c *gin.Context) {
	limit, _, err := paging(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	trades, err := s.svc.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getTrade(c *gin.Context) {
	tr, err := s.svc.Trade(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// computeLevels handles POST /api/v1/levels
func (s *Server) computeLevels(c *gin.Context) {
	var req LevelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	count, err := grid.GridCountFromFloat(req.GridCount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	levels, err := grid.BuildLevels(req.LowerLimit, req.UpperLimit, count)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := LevelsResponse{Levels: levels, Step: levels.Step(), Count: count}
	if req.Price != nil {
		resp.Price = req.Price
		idx, ok := levels.Locate(*req.Price)
		resp.InRange = &ok
		if ok {
			resp.Index = &idx
		}
	}
	c.JSON(http.StatusOK, resp)
}

func paging(c *gin.Context) (limit, offset int, err error) {
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
