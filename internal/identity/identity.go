// Package identity provides validator sets and the local signing capability.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"

	"Witnet/internal/logger"
	"Witnet/internal/types"
)

var (
	// ErrSetConflict is returned when a set id is reused with different content.
	ErrSetConflict = errors.New("validator set id reused with different content")

	// ErrSetOrder is returned when a new set id is not above the current one.
	ErrSetOrder = errors.New("validator set id not monotonic")

	// ErrUnknownScheme is returned by SchemeByName.
	ErrUnknownScheme = errors.New("unknown signature scheme")
)

// Signer is the local node's signing capability.
type Signer interface {
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

// Verifier checks signatures for a scheme.
type Verifier interface {
	Verify(publicKey, message, signature []byte) bool
}

// Provider supplies validator sets and the local signer.
type Provider interface {
	CurrentSet() *types.ValidatorSet
	SetByID(id uint64) (*types.ValidatorSet, bool)
	LocalSigner() (Signer, bool)
}

// Scheme binds a signature algorithm name to its verifier and key derivation.
type Scheme struct {
	Name      string                                      // Name is the configuration name
	Verifier  Verifier                                    // Verifier checks signatures
	NewSigner func(priv ed25519.PrivateKey) (Signer, error) // NewSigner derives the local signer from the node key
}

// SchemeByName returns the scheme for "bls" or "ed25519".
func SchemeByName(name string) (*Scheme, error) {
	switch strings.ToLower(name) {
	case "bls", "":
		return &Scheme{
			Name:     "bls",
			Verifier: BLSVerifier{},
			NewSigner: func(priv ed25519.PrivateKey) (Signer, error) {
				key, err := DeriveBLSKey(priv)
				if err != nil {
					return nil, err
				}

				return key, nil
			},
		}, nil
	case "ed25519":
		return &Scheme{
			Name:     "ed25519",
			Verifier: Ed25519Verifier{},
			NewSigner: func(priv ed25519.PrivateKey) (Signer, error) {
				return NewEd25519Key(priv), nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

// Static is an in-memory Provider of immutable, versioned validator sets.
type Static struct {
	mu       sync.RWMutex
	sets     map[uint64]*types.ValidatorSet // sets holds every known set by id
	current  *types.ValidatorSet            // current is the set with the highest id
	signer   Signer                         // signer is nil for non-validating nodes
	onRotate []func(*types.ValidatorSet)    // onRotate is called when current changes
}

// NewStatic creates a provider. signer may be nil.
func NewStatic(signer Signer) *Static {
	return &Static{
		sets:   make(map[uint64]*types.ValidatorSet),
		signer: signer,
	}
}

// OnRotate registers a callback for new current sets.
func (s *Static) OnRotate(fn func(*types.ValidatorSet)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onRotate = append(s.onRotate, fn)
}

// AddSet registers a validator set. Re-adding an identical set is a no-op.
// A new set must have an id above every known set; known sets never change.
func (s *Static) AddSet(set *types.ValidatorSet) error {
	s.mu.Lock()

	if existing, ok := s.sets[set.ID()]; ok {
		s.mu.Unlock()

		if !existing.Equal(set) {
			return fmt.Errorf("%w: %d", ErrSetConflict, set.ID())
		}

		return nil
	}

	if s.current != nil && set.ID() < s.current.ID() {
		cur := s.current.ID()
		s.mu.Unlock()

		return fmt.Errorf("%w: %d after %d", ErrSetOrder, set.ID(), cur)
	}

	s.sets[set.ID()] = set
	s.current = set
	callbacks := append([]func(*types.ValidatorSet){}, s.onRotate...)

	s.mu.Unlock()

	if set.IsUnsafe() {
		logger.Warn("validator set threshold below strict majority",
			"set", set.String(),
			"min_safe", types.MinSafeThreshold(set.Len()),
		)
	}

	logger.Info("validator set registered", "set", set.String())

	for _, fn := range callbacks {
		fn(set)
	}

	return nil
}

// CurrentSet returns the newest set, or nil before any set is added.
func (s *Static) CurrentSet() *types.ValidatorSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// SetByID returns the set with the given id.
func (s *Static) SetByID(id uint64) (*types.ValidatorSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[id]

	return set, ok
}

// LocalSigner returns the node's signer if it has one.
func (s *Static) LocalSigner() (Signer, bool) {
	return s.signer, s.signer != nil
}

// LocalIndex returns the local node's signer index in set id.
func LocalIndex(p Provider, setID uint64) (uint32, bool) {
	signer, ok := p.LocalSigner()
	if !ok {
		return 0, false
	}

	set, ok := p.SetByID(setID)
	if !ok {
		return 0, false
	}

	idx := set.IndexOf(signer.PublicKey())
	if idx < 0 {
		return 0, false
	}

	return uint32(idx), true
}
