package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
)

func (s *Server) CreateWallet(c *gin.Context) {
	var req walletdomain.CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := s.walletSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListWallets(c *gin.Context) {
	var req walletdomain.ListWalletRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.walletSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Wallets, "page_info": resp.PageInfo})
}

func (s *Server) SearchWallets(c *gin.Context) {
	var req walletdomain.ListWalletRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.walletSvc.Search(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Wallets, "page_info": resp.PageInfo})
}

func (s *Server) GetWalletByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.walletSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetWalletBalance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	balance, err := s.walletSvc.Balance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"wallet_id": id, "balance": balance}})
}

func (s *Server) CloseWallet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := s.walletSvc.Close(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) TopUpWallet(c *gin.Context) {
	s.walletTransaction(c, s.walletSvc.TopUp)
}

func (s *Server) DebitWallet(c *gin.Context) {
	s.walletTransaction(c, s.walletSvc.Debit)
}

func (s *Server) walletTransaction(c *gin.Context, apply func(context.Context, walletdomain.TransactionRequest) (walletdomain.Transaction, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req walletdomain.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.WalletID = id
	req.IdempotencyKey = idempotencyKey(c)

	resp, err := apply(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListWalletTransactions(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req walletdomain.ListTransactionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.WalletID = id

	resp, err := s.walletSvc.Transactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}
