package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyUserID = "auth_user_id"

var errUnexpectedSigningMethod = errors.New("unexpected jwt signing method")

// bearerAuth validates an HS256 bearer token and stores the subject claim as
// the authenticated user id.
func bearerAuth(signingKey []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errUnexpectedSigningMethod
			}
			return signingKey, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}

		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Next()
	}
}

func authenticatedUserID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}
