package authorization

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour
)

// Identity is the caller described by a verified bearer token.
type Identity struct {
	UserID string
	Roles  []string
}

// Module verifies bearer tokens issued by the account service. It never
// issues tokens to clients.
type Module struct {
	jwtMiddleware *jwt.GinJWTMiddleware
}

// NewModuleFromEnv reads JWT_SECRET and optional JWT_TIMEOUT.
func NewModuleFromEnv() (*Module, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}
	timeout := defaultTimeout
	if raw := strings.TrimSpace(os.Getenv("JWT_TIMEOUT")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}
	return NewModule(secret, timeout)
}

// NewModule builds the verifier for HS256 tokens signed with secret.
func NewModule(secret string, timeout time.Duration) (*Module, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("authorization: jwt secret is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mw, err := buildJWTMiddleware([]byte(secret), timeout)
	if err != nil {
		return nil, err
	}
	return &Module{jwtMiddleware: mw}, nil
}

// Middleware returns the strict JWT middleware.
func (m *Module) Middleware() gin.HandlerFunc {
	return m.jwtMiddleware.MiddlewareFunc()
}

// IssueToken signs a token for identity. Used by operators and tests; the
// HTTP API has no login route.
func (m *Module) IssueToken(identity Identity) (string, time.Time, error) {
	return m.jwtMiddleware.TokenGenerator(&identity)
}

func buildJWTMiddleware(key []byte, timeout time.Duration) (*jwt.GinJWTMiddleware, error) {
	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "tutorqa",
		Key:         key,
		Timeout:     timeout,
		MaxRefresh:  timeout,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if identity, ok := data.(*Identity); ok {
				return jwt.MapClaims{
					identityKey: identity.UserID,
					"roles":     identity.Roles,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			return &Identity{UserID: extractUserID(claims), Roles: extractRoles(claims)}
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(*Identity)
			return ok && identity.UserID != ""
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, query: access_token, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

func extractUserID(claims jwt.MapClaims) string {
	if claims == nil {
		return ""
	}
	idValue, ok := claims[identityKey]
	if !ok {
		return ""
	}

	switch v := idValue.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case uint64:
		return strconv.FormatUint(v, 10)
	case json.Number:
		return v.String()
	}
	return ""
}

func extractRoles(claims jwt.MapClaims) []string {
	if claims == nil {
		return []string{}
	}

	switch raw := claims["roles"].(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	case string:
		return strings.Fields(strings.ReplaceAll(raw, ",", " "))
	default:
		return []string{}
	}
}
