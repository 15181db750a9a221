package access

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/njyeung/hoppyshare/core/logger"
	"github.com/njyeung/hoppyshare/core/registry"
)

// JwtMiddlewareBuilder is a helper builder for JwtMiddelware
type JwtMiddlewareBuilder struct {
	// PublicKeyDownloadURL is the download url for public keys. In case of google, this would be
	//  "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	PublicKeyDownloadURL string
	// Issuer is the accepted issuer for the token
	Issuer string
	// Registry caches the downloaded signing keys so that a process restart
	// does not require the issuer to be reachable.
	Registry registry.Registry
}

// NewJwtMiddelware returns a middleware handler to validate
// JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header or as
// "HoppyShare-JWT"-cookie.
//
// The signing keys of the issuer are downloaded once at process start and
// cached in the persistent registry; they are only re-fetched when the
// cached copy is older than six hours. The token subject becomes the
// account uid, stored as "user" selector with the "user" role.
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a token is available but insufficient to
// authorize the request.
func NewJwtMiddelware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	jwtRegistry := jmb.Registry.Accessor("_jwt_")
	var wellKnownCertificates map[string]string
	timestamp, err := jwtRegistry.Read(jmb.PublicKeyDownloadURL, &wellKnownCertificates)
	if err != nil {
		panic(err)
	}
	if time.Since(timestamp) > 6*time.Hour {
		// time to check for new keys
		res, err := http.Get(jmb.PublicKeyDownloadURL)
		if err != nil {
			logger.Default().WithError(err).Warning("cannot download signing keys, tokens will not validate")
			return func(h http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { h.ServeHTTP(w, r) })
			}
		}
		defer res.Body.Close()
		decoder := json.NewDecoder(res.Body)
		err = decoder.Decode(&wellKnownCertificates)
		if err != nil {
			panic(err)
		}
		jwtRegistry.Write(jmb.PublicKeyDownloadURL, wellKnownCertificates)
	}
	wellKnownKeys := map[string]interface{}{}
	for kid, cert := range wellKnownCertificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			logger.Default().WithError(err).Warning("certificate error")
		} else {
			wellKnownKeys[kid] = key
		}
	}

	jwksLookup := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := wellKnownKeys[kid]
		if ok {
			return key, nil
		}
		logger.Default().Warningf("have %d well known keys, but not this one", len(wellKnownKeys))
		return nil, errors.New("cannot verify token")
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			identity := IdentityFromContext(r.Context())

			if auth != nil || len(identity) > 0 { // already authorized or at least authenticated?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			} else if cookie, _ := r.Cookie("HoppyShare-JWT"); cookie != nil {
				tokenString = cookie.Value
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, jwksLookup)

			if err != nil || !token.Valid || claims.Issuer != jmb.Issuer || len(claims.Subject) == 0 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			// the token subject is the account uid
			uid := claims.Subject
			ctx := ContextWithIdentity(r.Context(), uid)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, uid)

			// look up authorization for the token. We do this by tokenString, and not
			// by identity, so the frontend can enforce re-evaluation with a new token.
			auth = authCache.Read(tokenString)
			if auth == nil {
				auth = &Authorization{
					Roles:     []string{"user"},
					Selectors: map[string]string{"user": uid},
				}
				authCache.Write(tokenString, auth)
			}

			ctx = ContextWithAuthorization(ctx, auth)
			r = r.WithContext(ctx)
			h.ServeHTTP(w, r)
		})
	}
}
