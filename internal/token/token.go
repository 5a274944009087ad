// Package token implements the authentication token registry: forward,
// reverse, and connector tokens, looked up by SHA-256 digest so plaintext
// is never retained once issued.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaywire/meshsocks/internal/ids"
)

// Kind identifies what a token authenticates.
type Kind int

const (
	KindForward Kind = iota
	KindReverse
	KindConnector
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindReverse:
		return "reverse"
	case KindConnector:
		return "connector"
	default:
		return "unknown"
	}
}

// minGeneratedBytes yields >=128 bits of randomness rendered as hex, per
// the auto-generation rule in spec.md §4.5.
const minGeneratedBytes = 16

var (
	ErrNotFound          = errors.New("token: not found")
	ErrWrongKind         = errors.New("token: wrong kind for this operation")
	ErrReverseNotFound   = errors.New("token: referenced reverse token does not exist")
	ErrPortInUse         = errors.New("token: port already bound to another reverse token")
	ErrAlreadyRegistered = errors.New("token: plaintext already registered")
)

// Digest is a SHA-256 hash of a plaintext token, used as the registry's
// lookup key so plaintext is never stored.
type Digest [sha256.Size]byte

func hashToken(plain string) Digest {
	return sha256.Sum256([]byte(plain))
}

// Token is one registered credential.
type Token struct {
	ID   ids.ID
	Kind Kind
	Hash Digest

	// Reverse-only fields.
	Port                 int
	Username             string
	passwordHash         []byte // bcrypt hash, nil if no SOCKS5 password configured
	AllowManageConnector bool

	// PairedConnectorID is set automatically when a connector token is
	// added under an AllowManageConnector reverse token: the provider that
	// authenticates under this reverse token is advertised as the
	// exclusive responder for that one connector, bypassing round-robin.
	PairedConnectorID ids.ID

	// Connector-only fields.
	ReverseTokenID ids.ID

	mu    sync.Mutex
	peers map[ids.ID]struct{} // peer-session ids authenticated under this token
}

// HasPassword reports whether a reverse token has a configured SOCKS5 password.
func (t *Token) HasPassword() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.passwordHash) > 0
}

// CheckPassword verifies plaintext against the reverse token's bcrypt hash.
func (t *Token) CheckPassword(plain string) bool {
	t.mu.Lock()
	hash := t.passwordHash
	t.mu.Unlock()
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}

// AddPeer records a peer session as authenticated under this token.
func (t *Token) AddPeer(peerID ids.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers == nil {
		t.peers = make(map[ids.ID]struct{})
	}
	t.peers[peerID] = struct{}{}
}

// RemovePeer removes a peer session from this token's set.
func (t *Token) RemovePeer(peerID ids.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// Peers returns a snapshot of peer-session ids currently authenticated
// under this token.
func (t *Token) Peers() []ids.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ids.ID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// PeerCount returns the number of live peer sessions under this token.
func (t *Token) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Registry is the process-wide (per server instance) token store. It is
// guarded by a single read/write lock: readers (auth, dispatch) are
// frequent, writers (add/remove) are rare.
type Registry struct {
	mu sync.RWMutex

	byHash map[Digest]*Token
	byID   map[ids.ID]*Token
	ports  map[int]ids.ID // bound listener port -> owning reverse token id

	// connectorsOf indexes connector token ids attached to a reverse token,
	// so removing the reverse token can cascade-delete them.
	connectorsOf map[ids.ID]map[ids.ID]struct{}
}

// NewRegistry creates an empty token registry.
func NewRegistry() *Registry {
	return &Registry{
		byHash:       make(map[Digest]*Token),
		byID:         make(map[ids.ID]*Token),
		ports:        make(map[int]ids.ID),
		connectorsOf: make(map[ids.ID]map[ids.ID]struct{}),
	}
}

func generatePlain() (string, error) {
	buf := make([]byte, minGeneratedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generate plaintext: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AddForward registers a forward token. If plain is empty, a fresh random
// value is generated and returned.
func (r *Registry) AddForward(plain string) (string, *Token, error) {
	return r.add(plain, KindForward, func(id ids.ID, digest Digest) *Token {
		return &Token{ID: id, Kind: KindForward, Hash: digest}
	})
}

// ReverseOptions configures a new reverse token.
type ReverseOptions struct {
	Port                 int
	Username             string
	Password             string
	AllowManageConnector bool
}

// AddReverse registers a reverse token bound to opts.Port. Fails with
// ErrPortInUse if another active reverse token already holds that port,
// preserving the port-uniqueness invariant.
func (r *Registry) AddReverse(plain string, opts ReverseOptions) (string, *Token, error) {
	var passwordHash []byte
	if opts.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return "", nil, fmt.Errorf("token: hash socks5 password: %w", err)
		}
		passwordHash = h
	}

	r.mu.Lock()
	if owner, bound := r.ports[opts.Port]; bound && opts.Port != 0 {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("%w: port %d held by token %s", ErrPortInUse, opts.Port, owner.Short())
	}
	r.mu.Unlock()

	resultPlain, tok, err := r.add(plain, KindReverse, func(id ids.ID, digest Digest) *Token {
		return &Token{
			ID:                   id,
			Kind:                 KindReverse,
			Hash:                 digest,
			Port:                 opts.Port,
			Username:             opts.Username,
			passwordHash:         passwordHash,
			AllowManageConnector: opts.AllowManageConnector,
		}
	})
	if err != nil {
		return "", nil, err
	}

	if opts.Port != 0 {
		r.mu.Lock()
		r.ports[opts.Port] = tok.ID
		r.mu.Unlock()
	}
	return resultPlain, tok, nil
}

// AddConnector registers a connector token attached to an existing reverse
// token (identified by its plaintext).
func (r *Registry) AddConnector(plain string, reversePlain string) (string, *Token, error) {
	reverseTok, ok := r.Lookup(reversePlain)
	if !ok || reverseTok.Kind != KindReverse {
		return "", nil, ErrReverseNotFound
	}

	resultPlain, tok, err := r.add(plain, KindConnector, func(id ids.ID, digest Digest) *Token {
		return &Token{ID: id, Kind: KindConnector, Hash: digest, ReverseTokenID: reverseTok.ID}
	})
	if err != nil {
		return "", nil, err
	}

	r.mu.Lock()
	set, ok := r.connectorsOf[reverseTok.ID]
	if !ok {
		set = make(map[ids.ID]struct{})
		r.connectorsOf[reverseTok.ID] = set
	}
	set[tok.ID] = struct{}{}
	r.mu.Unlock()

	// An AllowManageConnector reverse token is built for exactly one
	// paired connector (the autonomy shape): the provider that
	// authenticates under it is advertised as that connector's exclusive
	// responder, bypassing the reverse dispatcher's round-robin.
	if reverseTok.AllowManageConnector {
		reverseTok.mu.Lock()
		reverseTok.PairedConnectorID = tok.ID
		reverseTok.mu.Unlock()
	}

	return resultPlain, tok, nil
}

func (r *Registry) add(plain string, kind Kind, build func(ids.ID, Digest) *Token) (string, *Token, error) {
	if plain == "" {
		generated, err := generatePlain()
		if err != nil {
			return "", nil, err
		}
		plain = generated
	}

	digest := hashToken(plain)

	r.mu.Lock()
	if _, exists := r.byHash[digest]; exists {
		r.mu.Unlock()
		return "", nil, ErrAlreadyRegistered
	}
	id, err := ids.New()
	if err != nil {
		r.mu.Unlock()
		return "", nil, err
	}
	tok := build(id, digest)
	r.byHash[digest] = tok
	r.byID[id] = tok
	r.mu.Unlock()

	_ = kind // kind is carried on tok.Kind; parameter kept for call-site clarity
	return plain, tok, nil
}

// Lookup finds a token by its plaintext, constant-time-comparing the
// derived digest.
func (r *Registry) Lookup(plain string) (*Token, bool) {
	digest := hashToken(plain)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for h, tok := range r.byHash {
		if subtle.ConstantTimeCompare(h[:], digest[:]) == 1 {
			return tok, true
		}
	}
	return nil, false
}

// LookupByID finds a token by its internal id (used for sibling pairing
// and cascade lookups, never derived from untrusted input).
func (r *Registry) LookupByID(id ids.ID) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.byID[id]
	return tok, ok
}

// ConnectorsOf returns the connector tokens attached to a reverse token.
func (r *Registry) ConnectorsOf(reverseID ids.ID) []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.connectorsOf[reverseID]
	out := make([]*Token, 0, len(set))
	for id := range set {
		if tok, ok := r.byID[id]; ok {
			out = append(out, tok)
		}
	}
	return out
}

// Remove deletes a token by plaintext. Removing a reverse token cascades
// to every connector token attached to it and releases its bound port.
// Returns the set of peer-session ids that were authenticated under any
// removed token, so the caller can terminate them.
func (r *Registry) Remove(plain string) ([]ids.ID, bool) {
	digest := hashToken(plain)

	r.mu.Lock()
	tok, ok := r.byHash[digest]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	removed := []*Token{tok}

	if tok.Kind == KindReverse {
		for connID := range r.connectorsOf[tok.ID] {
			if connTok, ok := r.byID[connID]; ok {
				removed = append(removed, connTok)
			}
		}
		delete(r.connectorsOf, tok.ID)
		if tok.Port != 0 {
			delete(r.ports, tok.Port)
		}
	}

	for _, t := range removed {
		delete(r.byHash, t.Hash)
		delete(r.byID, t.ID)
	}
	r.mu.Unlock()

	var affected []ids.ID
	for _, t := range removed {
		affected = append(affected, t.Peers()...)
	}
	return affected, true
}

// RemoveByID is Remove keyed by internal id, for management-API callers
// that already resolved a token.
func (r *Registry) RemoveByID(id ids.ID) ([]ids.ID, bool) {
	r.mu.RLock()
	tok, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	// Re-derive removal through the hash path so cascade logic stays in
	// one place; the hash is already known, no plaintext needed.
	return r.removeByDigest(tok.Hash)
}

func (r *Registry) removeByDigest(digest Digest) ([]ids.ID, bool) {
	r.mu.Lock()
	tok, ok := r.byHash[digest]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	removed := []*Token{tok}
	if tok.Kind == KindReverse {
		for connID := range r.connectorsOf[tok.ID] {
			if connTok, ok := r.byID[connID]; ok {
				removed = append(removed, connTok)
			}
		}
		delete(r.connectorsOf, tok.ID)
		if tok.Port != 0 {
			delete(r.ports, tok.Port)
		}
	}
	for _, t := range removed {
		delete(r.byHash, t.Hash)
		delete(r.byID, t.ID)
	}
	r.mu.Unlock()

	var affected []ids.ID
	for _, t := range removed {
		affected = append(affected, t.Peers()...)
	}
	return affected, true
}

// All returns every registered token, for the management API's status
// listing.
func (r *Registry) All() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, 0, len(r.byID))
	for _, tok := range r.byID {
		out = append(out, tok)
	}
	return out
}
