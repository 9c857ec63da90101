package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyServiceSubject = "service_subject"
	contextKeyServiceRoles   = "service_roles"
	roleAdmin                = "admin"
)

// serviceAuth validates the HMAC bearer token internal callers present.
// The token's sub claim names the calling service; roles gate admin routes.
func serviceAuth(secret string, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid authorization header format"))
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithIssuer(issuer))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid or expired token"))
			return
		}
		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject missing"))
			return
		}
		ctx.Set(contextKeyServiceSubject, subject)
		ctx.Set(contextKeyServiceRoles, tokenRoles(claims))
		ctx.Next()
	}
}

// requireRole rejects callers whose token does not carry the role.
func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		roles, _ := ctx.Get(contextKeyServiceRoles)
		roleList, ok := roles.([]string)
		if ok {
			for _, candidate := range roleList {
				if candidate == role {
					ctx.Next()
					return
				}
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "missing required role"))
	}
}

func tokenRoles(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		return nil
	}
	values, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(values))
	for _, value := range values {
		if role, ok := value.(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

func serviceSubject(ctx *gin.Context) string {
	subject, _ := ctx.Get(contextKeyServiceSubject)
	value, _ := subject.(string)
	return value
}
