package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lachiem1/drexpay/internal/ledger"
	"go.uber.org/zap"
)

const contextRoleKey = "role"

// ManagerRequired admits requests carrying a valid manager bearer token.
func (s *Server) ManagerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		capability, err := s.issuer.Verify(c.GetHeader("Authorization"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextRoleKey, ledger.RoleManager)
		c.Set("manager_subject", capability.Subject)
		c.Next()
	}
}

func roleFrom(c *gin.Context) ledger.Role {
	if v, ok := c.Get(contextRoleKey); ok {
		if role, ok := v.(ledger.Role); ok {
			return role
		}
	}
	return ledger.RoleMember
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.Error(last.Err))
		}
		if c.Writer.Status() >= 500 {
			s.log.Error("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}
