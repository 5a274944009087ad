package dispatch

import (
	"errors"
	"sync"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/session"
)

// ErrNotPaired is returned when a connector has no paired provider, e.g.
// the provider that advertised its connector token has since disconnected.
// Per spec.md §9's open question, the recommended policy is to reject with
// this (surfaced to callers as NoProvider) and let the connector's opener
// retry.
var ErrNotPaired = errors.New("dispatch: connector has no paired provider")

// Autonomy implements the agent-mode autonomy variant: a provider
// advertises a connector token, and any connector authenticating with
// that token is paired exclusively with that provider — bypassing
// round-robin entirely. Pairing is keyed by connector-token id.
type Autonomy struct {
	mu       sync.RWMutex
	byToken  map[ids.ID]*session.Session // connector token id -> provider session
	siblings map[ids.ID]ids.ID           // channel id -> sibling channel id, both directions
}

// NewAutonomy creates an empty autonomy pairing table.
func NewAutonomy() *Autonomy {
	return &Autonomy{
		byToken:  make(map[ids.ID]*session.Session),
		siblings: make(map[ids.ID]ids.ID),
	}
}

// Advertise records that connectorTokenID pairs exclusively with provider.
// Called when a provider authenticates and declares the connector token it
// manages (AllowManageConnector).
func (a *Autonomy) Advertise(connectorTokenID ids.ID, provider *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byToken[connectorTokenID] = provider
}

// Withdraw removes a provider's advertised pairing, e.g. on disconnect.
func (a *Autonomy) Withdraw(connectorTokenID ids.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byToken, connectorTokenID)
}

// Provider returns the provider paired with connectorTokenID, if any.
func (a *Autonomy) Provider(connectorTokenID ids.ID) (*session.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.byToken[connectorTokenID]
	if !ok {
		return nil, ErrNotPaired
	}
	return s, nil
}

// Pair ties a connector-side channel id to a freshly minted sibling
// channel id on the paired provider's link, for the duration of the
// relay. Either id can later be used to look up the other.
func (a *Autonomy) Pair(connectorChannelID, providerChannelID ids.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.siblings[connectorChannelID] = providerChannelID
	a.siblings[providerChannelID] = connectorChannelID
}

// Sibling returns the paired channel id on the other side of the relay.
func (a *Autonomy) Sibling(channelID ids.ID) (ids.ID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sib, ok := a.siblings[channelID]
	return sib, ok
}

// Unpair removes a sibling link when either side's channel closes.
func (a *Autonomy) Unpair(channelID ids.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sib, ok := a.siblings[channelID]; ok {
		delete(a.siblings, sib)
		delete(a.siblings, channelID)
	}
}
