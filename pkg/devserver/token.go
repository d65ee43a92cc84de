package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	twiliojwt "github.com/twilio/twilio-go/client/jwt"
)

var ErrUnauthorized = errors.New("unauthorized")

// TokenIssuer mints room access tokens and checks them on the signaling leg.
type TokenIssuer struct {
	accountSID string
	keySID     string
	secret     string
	ttl        float64
}

func NewTokenIssuer(cfg Config) *TokenIssuer {
	return &TokenIssuer{
		accountSID: cfg.AccountSID,
		keySID:     cfg.APIKeySID,
		secret:     cfg.APISecret,
		ttl:        cfg.TokenTTL.Seconds(),
	}
}

// Mint returns a signed access token granting identity entry to room.
func (ti *TokenIssuer) Mint(identity, room string) (string, error) {
	token := twiliojwt.CreateAccessToken(twiliojwt.AccessTokenParams{
		AccountSid:    ti.accountSID,
		SigningKeySid: ti.keySID,
		Secret:        ti.secret,
		Identity:      identity,
		Ttl:           ti.ttl,
	})
	token.AddGrant(&twiliojwt.VideoGrant{Room: room})
	return token.ToJwt()
}

type roomClaims struct {
	Grants struct {
		Identity string `json:"identity"`
		Video    struct {
			Room string `json:"room"`
		} `json:"video"`
	} `json:"grants"`
	jwt.RegisteredClaims
}

// Grant is what a verified token allows.
type Grant struct {
	Identity string
	Room     string
}

// Verify checks the signature and expiry of a bearer token and returns its
// room grant.
func (ti *TokenIssuer) Verify(raw string) (Grant, error) {
	var claims roomClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(ti.secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Grants.Video.Room == "" {
		return Grant{}, fmt.Errorf("%w: token carries no room grant", ErrUnauthorized)
	}
	return Grant{Identity: claims.Grants.Identity, Room: claims.Grants.Video.Room}, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type tokenRequest struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid token request")
		return
	}
	if strings.TrimSpace(req.Identity) == "" || strings.TrimSpace(req.Room) == "" {
		respondError(w, http.StatusBadRequest, "identity and room are required")
		return
	}
	token, err := s.tokens.Mint(req.Identity, req.Room)
	if err != nil {
		s.log.Error("token_mint_failed", "error", err)
		respondError(w, http.StatusInternalServerError, "could not mint token")
		return
	}
	s.log.Info("room_token_issued", "identity", req.Identity, "room", req.Room)
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}
