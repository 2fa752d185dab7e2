// Package backendtest implements an in-memory reference backend honoring
// the endpoint contracts the SDK depends on: idempotent fingerprint
// registration, single-use rotating refresh tokens, fingerprint- and
// user-scoped carts/favorites, and an idempotent migration. It exists to
// make the client layer testable; it is not a product backend.
package backendtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"loyalty-sdk/internal/middleware"
	"loyalty-sdk/internal/model"
)

const fingerprintHeader = "X-Device-Fingerprint"

type user struct {
	profile model.Profile
	deleted bool
}

// Server holds the whole backend state behind one mutex. Counters are
// exported through methods so tests can assert the single-flight and
// idempotence properties.
type Server struct {
	logger *slog.Logger

	mu                sync.Mutex
	anonByFingerprint map[string]string                          // fingerprint -> anonymousUserId
	carts             map[string]map[model.CartKey]model.CartLine // owner -> cart
	favorites         map[string]map[string]struct{}             // owner -> set
	users             map[string]*user                           // userId -> account
	usersByPhone      map[string]string
	accessTokens      map[string]string // access -> userId
	expiredAccess     map[string]bool
	refreshTokens     map[string]string // refresh -> userId, single-use
	refreshCalls      int
	minClientVersion  string
}

// New creates an empty reference backend.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:            logger,
		anonByFingerprint: make(map[string]string),
		carts:             make(map[string]map[model.CartKey]model.CartLine),
		favorites:         make(map[string]map[string]struct{}),
		users:             make(map[string]*user),
		usersByPhone:      make(map[string]string),
		accessTokens:      make(map[string]string),
		expiredAccess:     make(map[string]bool),
		refreshTokens:     make(map[string]string),
	}
}

// Handler returns the routed HTTP handler with logging and recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/anonymous/init", s.handleAnonymousInit).Methods(http.MethodPost)
	r.HandleFunc("/anonymous/migrate", s.withAuth(s.handleMigrate)).Methods(http.MethodPost)
	r.HandleFunc("/anonymous/cart", s.withFingerprint(s.handleCart)).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/anonymous/favorites", s.withFingerprint(s.handleFavoritesList)).Methods(http.MethodGet)
	r.HandleFunc("/anonymous/favorites/{productId}", s.withFingerprint(s.handleFavorite)).Methods(
		http.MethodPost, http.MethodDelete)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.withAuth(s.handleLogout)).Methods(http.MethodPost)

	r.HandleFunc("/users/cart", s.withAuth(s.handleCart)).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)
	r.HandleFunc("/users/favorites", s.withAuth(s.handleFavoritesList)).Methods(http.MethodGet)
	r.HandleFunc("/users/favorites/{productId}", s.withAuth(s.handleFavorite)).Methods(
		http.MethodPost, http.MethodDelete)

	return middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger),
		s.versionHeader,
	)(r)
}

// === Test hooks ===

// RefreshCalls reports how many refresh attempts the backend has seen.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// ExpireAllAccess invalidates every issued access token, forcing the next
// authenticated request into the refresh path.
func (s *Server) ExpireAllAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.accessTokens {
		s.expiredAccess[token] = true
	}
}

// RevokeAllRefresh invalidates every refresh token, making the next refresh
// terminal.
func (s *Server) RevokeAllRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]string)
}

// DeleteUser marks an account gone; its requests answer USER_NOT_FOUND.
func (s *Server) DeleteUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.deleted = true
	}
}

// SetMinClientVersion advertises a minimum client version on all responses.
func (s *Server) SetMinClientVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minClientVersion = v
}

// CartLines returns the cart for a user id or fingerprint owner, for
// assertions.
func (s *Server) CartLines(owner string) []model.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []model.CartLine
	for _, line := range s.carts[owner] {
		lines = append(lines, line)
	}
	return lines
}

// === Middleware ===

func (s *Server) versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		v := s.minClientVersion
		s.mu.Unlock()
		if v != "" {
			w.Header().Set("X-Min-Client-Version", v)
		}
		next.ServeHTTP(w, r)
	})
}

// withFingerprint scopes the request to the fingerprint owner.
func (s *Server) withFingerprint(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fp := r.Header.Get(fingerprintHeader)
		if fp == "" {
			writeError(w, model.NewValidationError("fingerprint", "header required"))
			return
		}
		next(w, r, "fp:"+fp)
	}
}

// withAuth scopes the request to the authenticated user.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)

		s.mu.Lock()
		userID, known := s.accessTokens[token]
		expired := s.expiredAccess[token]
		var gone bool
		if known {
			if u, ok := s.users[userID]; ok {
				gone = u.deleted
			}
		}
		s.mu.Unlock()

		switch {
		case token == "" || !known:
			writeError(w, &model.APIError{Code: model.CodeTokenInvalid,
				Message: "unknown credential", StatusCode: 401})
		case gone:
			writeError(w, model.NewAuthInvalidError("account no longer exists"))
		case expired:
			writeError(w, model.NewAuthExpiredError())
		default:
			next(w, r, userID)
		}
	}
}

// === Identity handlers ===

func (s *Server) handleAnonymousInit(w http.ResponseWriter, r *http.Request) {
	var req model.AnonymousInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		writeError(w, model.NewValidationError("fingerprint", "required"))
		return
	}

	s.mu.Lock()
	id, ok := s.anonByFingerprint[req.Fingerprint]
	if !ok {
		id = "anon-" + uuid.NewString()
		s.anonByFingerprint[req.Fingerprint] = id
	}
	favorites := ownerFavorites(s.favorites, "fp:"+req.Fingerprint)
	s.mu.Unlock()

	writeJSON(w, model.AnonymousInitResponse{AnonymousUserID: id, Favorites: favorites})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Code == "" {
		writeError(w, model.NewValidationError("phone", "phone and code required"))
		return
	}

	s.mu.Lock()
	userID, ok := s.usersByPhone[req.Phone]
	if !ok {
		s.mu.Unlock()
		writeError(w, model.NewValidationError("phone", "unknown phone"))
		return
	}
	resp := s.issueSessionLocked(userID)
	s.mu.Unlock()

	writeJSON(w, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeError(w, model.NewValidationError("phone", "required"))
		return
	}

	s.mu.Lock()
	userID, ok := s.usersByPhone[req.Phone]
	if !ok {
		userID = "user-" + uuid.NewString()
		s.users[userID] = &user{profile: model.Profile{
			UserID:    userID,
			Phone:     req.Phone,
			FirstName: req.FirstName,
			LastName:  req.LastName,
		}}
		s.usersByPhone[req.Phone] = userID
	}
	resp := s.issueSessionLocked(userID)
	s.mu.Unlock()

	writeJSON(w, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Refresh-Token")

	s.mu.Lock()
	s.refreshCalls++
	userID, ok := s.refreshTokens[token]
	if !ok {
		s.mu.Unlock()
		writeError(w, &model.APIError{Code: model.CodeTokenInvalid,
			Message: "renewal credential rejected", StatusCode: 401})
		return
	}
	// Single-use: the old pair dies with this rotation.
	delete(s.refreshTokens, token)
	resp := s.issueSessionLocked(userID)
	s.mu.Unlock()

	writeJSON(w, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request, userID string) {
	s.mu.Lock()
	for token, id := range s.accessTokens {
		if id == userID {
			delete(s.accessTokens, token)
		}
	}
	for token, id := range s.refreshTokens {
		if id == userID {
			delete(s.refreshTokens, token)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// issueSessionLocked mints a fresh token pair. Caller holds s.mu.
func (s *Server) issueSessionLocked(userID string) model.AuthResponse {
	access := "acc-" + uuid.NewString()
	refresh := "ref-" + uuid.NewString()
	s.accessTokens[access] = userID
	s.refreshTokens[refresh] = userID
	return model.AuthResponse{
		Profile: s.users[userID].profile,
		Tokens:  model.TokenPair{AccessToken: access, RefreshToken: refresh},
	}
}

// === Migration ===

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request, userID string) {
	fp := r.Header.Get(fingerprintHeader)
	if fp == "" {
		writeError(w, model.NewValidationError("fingerprint", "header required"))
		return
	}
	anonOwner := "fp:" + fp

	s.mu.Lock()
	resp := model.MigrateResponse{}

	// Merge favorites: set union, so repeating the call cannot duplicate.
	userFavs := s.favorites[userID]
	if userFavs == nil {
		userFavs = make(map[string]struct{})
		s.favorites[userID] = userFavs
	}
	for id := range s.favorites[anonOwner] {
		if _, ok := userFavs[id]; !ok {
			userFavs[id] = struct{}{}
			resp.MigratedFavorites++
		}
	}
	resp.TotalFavorites = len(userFavs)
	delete(s.favorites, anonOwner)

	// Merge cart lines by key, summing quantities; the anonymous scope is
	// consumed, so a second migrate is a no-op.
	userCart := s.carts[userID]
	if userCart == nil {
		userCart = make(map[model.CartKey]model.CartLine)
		s.carts[userID] = userCart
	}
	for k, line := range s.carts[anonOwner] {
		if existing, ok := userCart[k]; ok {
			existing.Quantity += line.Quantity
			userCart[k] = existing
		} else {
			userCart[k] = line
		}
		resp.MigratedCartLines++
	}
	delete(s.carts, anonOwner)
	s.mu.Unlock()

	writeJSON(w, resp)
}

// === Cart & favorites handlers (shared by both scopes) ===

func (s *Server) handleCart(w http.ResponseWriter, r *http.Request, owner string) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		resp := model.CartResponse{Lines: []model.CartLineDTO{}}
		for _, line := range s.carts[owner] {
			resp.Lines = append(resp.Lines, model.NewCartLineDTO(line))
		}
		s.mu.Unlock()
		writeJSON(w, resp)

	case http.MethodPost, http.MethodPut:
		var dto model.CartLineDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil || dto.ProductID == "" {
			writeError(w, model.NewValidationError("productId", "required"))
			return
		}
		key := dto.Key()

		s.mu.Lock()
		cart := s.carts[owner]
		if cart == nil {
			cart = make(map[model.CartKey]model.CartLine)
			s.carts[owner] = cart
		}
		quantity := dto.Quantity
		if r.Method == http.MethodPost {
			quantity += cart[key].Quantity
		}
		if quantity <= 0 {
			delete(cart, key)
		} else {
			cart[key] = model.CartLine{Key: key, Quantity: quantity, UnitPrice: dto.UnitPrice}
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		q := r.URL.Query()
		key := model.CartKey{
			ProductID:         q.Get("productId"),
			ShopCode:          q.Get("shopCode"),
			ModificationIndex: model.NoModification,
		}
		if v := q.Get("modificationIndex"); v != "" {
			if idx, err := strconv.Atoi(v); err == nil {
				key.ModificationIndex = idx
			}
		}

		s.mu.Lock()
		delete(s.carts[owner], key)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleFavoritesList(w http.ResponseWriter, _ *http.Request, owner string) {
	s.mu.Lock()
	resp := model.FavoritesResponse{ProductIDs: ownerFavorites(s.favorites, owner)}
	s.mu.Unlock()
	writeJSON(w, resp)
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request, owner string) {
	productID := mux.Vars(r)["productId"]

	s.mu.Lock()
	favs := s.favorites[owner]
	if favs == nil {
		favs = make(map[string]struct{})
		s.favorites[owner] = favs
	}
	if r.Method == http.MethodPost {
		favs[productID] = struct{}{}
	} else {
		delete(favs, productID)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// === Helpers ===

func ownerFavorites(favorites map[string]map[string]struct{}, owner string) []string {
	ids := make([]string, 0, len(favorites[owner]))
	for id := range favorites[owner] {
		ids = append(ids, id)
	}
	return ids
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(apiErr)
}
