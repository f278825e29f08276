package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"

	// refresh token 只通过 HttpOnly Cookie 下发，页面脚本不可读。
	RefreshCookieName = "refresh_token"
)

type Claims struct {
	UserID    uint   `json:"uid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func generateToken(userID uint, tokenType, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func GenerateAccessToken(userID uint, secret string, ttlMinutes int) (string, error) {
	return generateToken(userID, TokenAccess, secret, time.Duration(ttlMinutes)*time.Minute)
}

func GenerateRefreshToken(userID uint, secret string, ttlDays int) (string, error) {
	return generateToken(userID, TokenRefresh, secret, time.Duration(ttlDays)*24*time.Hour)
}

// GenerateTokenPair 同一主体、不同有效期与用途的两枚签名凭证。
func GenerateTokenPair(userID uint, cfg config.Config) (access, refresh string, err error) {
	access, err = GenerateAccessToken(userID, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
	if err != nil {
		return "", "", err
	}
	refresh, err = GenerateRefreshToken(userID, cfg.JWTSecret, cfg.RefreshTokenTTLDays)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// ParseToken 校验签名、有效期与用途，access 与 refresh 不可互换使用。
func ParseToken(tokenStr, secret, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TokenType != wantType {
		return nil, errors.New("wrong token type")
	}
	return claims, nil
}

// SetRefreshCookie 下发 refresh cookie：HttpOnly + SameSite=Strict，非 dev 环境要求 HTTPS。
func SetRefreshCookie(c *gin.Context, cfg config.Config, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	maxAge := cfg.RefreshTokenTTLDays * 24 * 3600
	c.SetCookie(RefreshCookieName, token, maxAge, "/api/v1/auth", "", cfg.Env != "dev", true)
}

func ClearRefreshCookie(c *gin.Context, cfg config.Config) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(RefreshCookieName, "", -1, "/api/v1/auth", "", cfg.Env != "dev", true)
}

// AuthMiddleware 校验 Bearer access token 并加载用户。
func AuthMiddleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := ParseToken(tokenStr, cfg.JWTSecret, TokenAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}
