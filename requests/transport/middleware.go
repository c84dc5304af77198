package transport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/imtaco/peer-connect/internal/jwt"
	"github.com/imtaco/peer-connect/internal/log"
)

const ctxKeyUserID = "userId"

func userID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// authRequired accepts user scoped bearer tokens only.
func (r *Router) authRequired(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Missing bearer token",
		})
		return
	}

	payload, err := r.jwtAuth.Verify(token)
	if err != nil || payload.Scope != jwt.ScopeUser {
		r.logger.Debug("Rejected token", log.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Invalid token",
		})
		return
	}

	c.Set(ctxKeyUserID, payload.UserID)
	c.Next()
}

// userLimiter keeps one token bucket per user, bounded by an LRU so idle
// users are forgotten.
type userLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newUserLimiter(perSecond float64, burst, size int) (*userLimiter, error) {
	limiters, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &userLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: limiters,
	}, nil
}

func (l *userLimiter) allow(userID string) bool {
	limiter, ok := l.limiters.Get(userID)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		// keep the first limiter if two requests race here
		if prev, found, _ := l.limiters.PeekOrAdd(userID, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

func (r *Router) rateLimited(c *gin.Context) {
	if !r.limiter.allow(userID(c)) {
		rateLimitedRequests.Add(c.Request.Context(), 1)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"code":    string(ErrRateLimited),
			"error":   "Too many requests",
		})
		return
	}
	c.Next()
}
