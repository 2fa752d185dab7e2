// Package model holds the domain types and error taxonomy shared by the
// gateway, identity store, reconciliation engine, and the reference backend.
package model

// IdentityMode is the current actor mode. Transitions are one-directional per
// session: anonymous → authenticated happens at most once per login event, and
// the only way back is a full reset via the identity store's Clear.
type IdentityMode string

const (
	ModeAnonymous     IdentityMode = "anonymous"
	ModeAuthenticated IdentityMode = "authenticated"
)

// NoModification marks a cart key without a product modification.
const NoModification = -1

// CartKey uniquely addresses a cart line. The tuple is unique within a cart;
// ModificationIndex is NoModification when the product has no variants.
type CartKey struct {
	ProductID         string `json:"productId"`
	ShopCode          string `json:"shopCode"`
	ModificationIndex int    `json:"modificationIndex"`
}

// CartLine is one entry of the active cart view. Quantity is always > 0;
// removing the last unit removes the line entirely rather than leaving a
// zero-quantity record.
type CartLine struct {
	Key       CartKey `json:"key"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unitPrice"` // minor currency units
}

// AnonymousIdentity is the fingerprint-scoped pseudo-identity of a visitor.
// AnonymousUserID is assigned by the backend on first fingerprint
// registration and never generated client-side.
type AnonymousIdentity struct {
	Fingerprint     string `json:"fingerprint"`
	AnonymousUserID string `json:"anonymousUserId"`
}

// Profile is the authenticated user profile returned by login and refresh.
type Profile struct {
	UserID    string `json:"userId"`
	Phone     string `json:"phone"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	CardCode  string `json:"cardCode,omitempty"`
}

// TokenPair carries the session credentials. The refresh token is single-use:
// each successful refresh rotates both values.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// === Wire payloads (§6 endpoint contracts) ===

// AnonymousInitRequest registers a fingerprint with the backend. Idempotent:
// a known fingerprint returns the same anonymousUserId.
type AnonymousInitRequest struct {
	Fingerprint string `json:"fingerprint"`
}

// AnonymousInitResponse is the backend's answer to fingerprint registration.
type AnonymousInitResponse struct {
	AnonymousUserID string   `json:"anonymousUserId"`
	Favorites       []string `json:"favorites"`
}

// CartLineDTO is the wire form of a cart line. ModificationIndex is omitted
// for unmodified products.
type CartLineDTO struct {
	ProductID         string `json:"productId"`
	ShopCode          string `json:"shopCode"`
	ModificationIndex *int   `json:"modificationIndex,omitempty"`
	Quantity          int    `json:"quantity"`
	UnitPrice         int64  `json:"unitPrice,omitempty"`
}

// Key converts the wire form back to the in-memory cart key.
func (d CartLineDTO) Key() CartKey {
	mod := NoModification
	if d.ModificationIndex != nil {
		mod = *d.ModificationIndex
	}
	return CartKey{ProductID: d.ProductID, ShopCode: d.ShopCode, ModificationIndex: mod}
}

// NewCartLineDTO converts an in-memory line to its wire form.
func NewCartLineDTO(line CartLine) CartLineDTO {
	dto := CartLineDTO{
		ProductID: line.Key.ProductID,
		ShopCode:  line.Key.ShopCode,
		Quantity:  line.Quantity,
		UnitPrice: line.UnitPrice,
	}
	if line.Key.ModificationIndex != NoModification {
		mod := line.Key.ModificationIndex
		dto.ModificationIndex = &mod
	}
	return dto
}

// CartResponse is the authoritative cart snapshot for the current scope.
type CartResponse struct {
	Lines []CartLineDTO `json:"lines"`
}

// FavoritesResponse lists favorite product ids for the current scope.
type FavoritesResponse struct {
	ProductIDs []string `json:"productIds"`
}

// MigrateResponse reports what the backend merged from the fingerprint scope
// into the authenticated scope. Safe to receive more than once: a repeated
// migrate reports zero newly migrated entries.
type MigrateResponse struct {
	MigratedFavorites int `json:"migratedFavorites"`
	TotalFavorites    int `json:"totalFavorites"`
	MigratedCartLines int `json:"migratedCartLines"`
}

// LoginRequest authenticates by phone and one-time code.
type LoginRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// RegisterRequest creates an account. The fingerprint header on the request
// lets the backend link the anonymous history at registration time.
type RegisterRequest struct {
	Phone     string `json:"phone"`
	Code      string `json:"code"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// AuthResponse is returned by login, register, and refresh.
type AuthResponse struct {
	Profile Profile   `json:"profile"`
	Tokens  TokenPair `json:"tokens"`
}
